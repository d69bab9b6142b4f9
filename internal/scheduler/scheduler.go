// Package scheduler runs the bot's periodic jobs on cron expressions.
//
// Jobs include purging finished actions and polling for new items.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions (min, hour, dom, month, dow)
// and descriptors such as "@hourly" or "@every 10m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler. Jobs run once Start is called. A job
// still running when its next tick arrives is skipped, and a panicking job
// is logged and recovered.
func NewScheduler() *Scheduler {
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c}
}

// Validate reports whether expr is an accepted schedule.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		slog.Debug("Scheduler.job: running", "job", name)
		task()
		slog.Debug("Scheduler.job: finished", "job", name, "took", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule job %s failed: %w", name, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// slogLogger routes cron's own logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
