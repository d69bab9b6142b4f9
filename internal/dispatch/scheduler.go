// Package dispatch drains the action queue through a sliding-window rate
// gate into a bounded pool of workers calling the remote API.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
	"github.com/BTreeMap/ImgurBot/internal/queue"
	"github.com/BTreeMap/ImgurBot/internal/ratelimit"
	"github.com/BTreeMap/ImgurBot/internal/store"
)

const (
	// storageRetryDelay is how long the scheduler waits before retrying a
	// failed state write.
	storageRetryDelay = time.Second
	// stateWriteAttempts bounds the writes of one dispatch outcome. An action
	// whose outcome could not be written stays in flight until restart.
	stateWriteAttempts = 3
)

// Client performs one remote action. Returned errors are classified with
// models.Classify.
type Client interface {
	Post(ctx context.Context, a models.PendingAction) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, a models.PendingAction) error

func (f ClientFunc) Post(ctx context.Context, a models.PendingAction) error {
	return f(ctx, a)
}

// Notifier observes terminal results. Implementations must not block.
type Notifier interface {
	// ActionFinished is called after every dispatch attempt.
	ActionFinished(a models.PendingAction, outcome models.Outcome, err error)
	// GroupFinished is called once per group; committed is false for an
	// abandoned group or a failed seen commit.
	GroupFinished(groupID, itemID string, committed bool)
}

type noopNotifier struct{}

func (noopNotifier) ActionFinished(models.PendingAction, models.Outcome, error) {}
func (noopNotifier) GroupFinished(string, string, bool)                        {}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records scheduler activity on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNotifier installs n as the result observer.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// Scheduler moves queued actions to in-flight under the rate limit and
// applies the outcome of each dispatch.
type Scheduler struct {
	cfg      Config
	queue    *queue.Queue
	client   Client
	seen     store.SeenRepo
	limiter  *ratelimit.Limiter
	metrics  *Metrics
	notifier Notifier

	retryDelay time.Duration

	mu      sync.Mutex
	running bool
}

// New validates cfg and builds a Scheduler.
func New(cfg Config, q *queue.Queue, client Client, seen store.SeenRepo, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q == nil || client == nil || seen == nil {
		return nil, fmt.Errorf("scheduler requires a queue, a client and a seen store")
	}
	limiter, err := ratelimit.New(cfg.MaxActionsPerWindow, cfg.Window)
	if err != nil {
		return nil, models.NewConfigurationError("maxActionsPerWindow", "%v", err)
	}
	s := &Scheduler{
		cfg:      cfg,
		queue:    q,
		client:   client,
		seen:     seen,
		limiter:  limiter,
		notifier: noopNotifier{},

		retryDelay: storageRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run dispatches until ctx is cancelled. Cancellation stops admission;
// dispatches already in flight complete on a context without cancellation
// and reach a terminal or retry state before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	workers := s.cfg.Workers()
	slog.Info("Scheduler.Run: starting", "workers", workers, "limit", s.cfg.MaxActionsPerWindow, "window", s.cfg.Window)

	// Outcomes are written on a context that outlives shutdown.
	bg := context.WithoutCancel(ctx)
	slots := make(chan struct{}, workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	stopping := func() error {
		slog.Info("Scheduler.Run: stopping, waiting for in-flight dispatches", "inFlight", s.queue.InFlight())
		return nil
	}
	for {
		if ctx.Err() != nil {
			return stopping()
		}
		select {
		case <-ctx.Done():
			return stopping()
		case slots <- struct{}{}:
		}
		// select picks at random when both cases are ready.
		if ctx.Err() != nil {
			<-slots
			return stopping()
		}

		a, ok, limited, err := s.claim(bg)
		s.metrics.depth(s.queue.Len())
		if err != nil {
			<-slots
			slog.Error("Scheduler.Run: claim failed", "error", err)
			if !s.sleep(ctx, time.Now().Add(s.retryDelay)) {
				return nil
			}
			continue
		}
		if !ok {
			<-slots
			if !s.wait(ctx, limited) {
				return nil
			}
			continue
		}

		wg.Add(1)
		go func(a models.PendingAction) {
			defer wg.Done()
			defer func() { <-slots }()
			s.dispatch(bg, a)
		}(a)
	}
}

// claim takes the next eligible action through the rate gate. limited
// reports that an action was eligible but the gate refused it. A claim whose
// in-flight write fails gives its admission back.
func (s *Scheduler) claim(ctx context.Context) (a models.PendingAction, ok, limited bool, err error) {
	var admittedAt time.Time
	a, ok, err = s.queue.Claim(ctx, time.Now(), func(now time.Time) bool {
		admitted := s.limiter.Allow(now)
		s.metrics.admitted(admitted)
		limited = !admitted
		if admitted {
			admittedAt = now
		}
		return admitted
	})
	if err != nil && !admittedAt.IsZero() {
		s.limiter.Refund(admittedAt)
	}
	return a, ok, limited, err
}

// wait blocks until work may be eligible again. It returns false when ctx
// is done.
func (s *Scheduler) wait(ctx context.Context, limited bool) bool {
	now := time.Now()
	var deadline time.Time
	if limited {
		deadline = s.limiter.Next(now)
	}
	if wake, ok := s.queue.NextWake(now); ok && (deadline.IsZero() || wake.Before(deadline)) {
		deadline = wake
	}
	return s.sleep(ctx, deadline)
}

// sleep waits until deadline (forever if zero), a queue notification or
// cancellation. It returns false when ctx is done.
func (s *Scheduler) sleep(ctx context.Context, deadline time.Time) bool {
	var timer <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.queue.Notify():
	case <-timer:
	}
	return true
}

// dispatch calls the client once and applies the classified outcome.
func (s *Scheduler) dispatch(ctx context.Context, a models.PendingAction) {
	slog.Debug("Scheduler.dispatch: posting", "actionID", a.ID, "itemID", a.ItemID, "chunk", a.Chunk.SequenceIndex+1, "of", a.Chunk.TotalChunks, "attempt", a.Attempt)

	start := time.Now()
	s.metrics.started()
	err := s.client.Post(ctx, a)
	outcome := models.Classify(err)
	s.metrics.finished(outcome, time.Since(start))

	switch outcome {
	case models.OutcomeSuccess:
		s.succeed(ctx, a)
	case models.OutcomeTransient:
		s.retry(ctx, a, err)
	default:
		s.fail(ctx, a, a.Attempt, err)
	}
	s.notifier.ActionFinished(a, outcome, err)
}

// settle runs an outcome write, retrying storage failures a bounded number
// of times.
func (s *Scheduler) settle(op string, a models.PendingAction, write func() error) error {
	var err error
	for i := 0; i < stateWriteAttempts; i++ {
		if i > 0 {
			time.Sleep(s.retryDelay)
		}
		if err = write(); err == nil {
			return nil
		}
		var se *models.StorageError
		if !errors.As(err, &se) || errors.Is(err, queue.ErrCancelIncomplete) {
			return err
		}
		slog.Warn("Scheduler.settle: state write failed", "op", op, "actionID", a.ID, "attempt", i+1, "error", err)
	}
	return err
}

func (s *Scheduler) succeed(ctx context.Context, a models.PendingAction) {
	var done bool
	err := s.settle("mark succeeded", a, func() error {
		var err error
		_, done, err = s.queue.MarkSucceeded(ctx, a.ID)
		return err
	})
	if err != nil {
		slog.Error("Scheduler.succeed: mark succeeded failed, action stays in flight", "actionID", a.ID, "error", err)
		return
	}
	if !done {
		return
	}
	// Every chunk is posted; only now does the item count as seen. The queue
	// keeps the item active until the commit has landed.
	err = s.seen.CommitSeen(ctx, a.ItemID)
	s.queue.Release(a.GroupID)
	s.metrics.committed(err)
	if err != nil {
		slog.Error("Scheduler.succeed: seen commit failed, item may be processed again", "itemID", a.ItemID, "groupID", a.GroupID, "error", err)
		s.notifier.GroupFinished(a.GroupID, a.ItemID, false)
		return
	}
	slog.Info("Scheduler.succeed: item committed", "itemID", a.ItemID, "groupID", a.GroupID, "chunks", a.Chunk.TotalChunks)
	s.notifier.GroupFinished(a.GroupID, a.ItemID, true)
}

func (s *Scheduler) retry(ctx context.Context, a models.PendingAction, cause error) {
	attempt := a.Attempt + 1
	if attempt >= s.cfg.MaxRetries {
		slog.Warn("Scheduler.retry: retries exhausted", "actionID", a.ID, "itemID", a.ItemID, "attempt", attempt, "error", cause)
		s.fail(ctx, a, attempt, cause)
		return
	}
	delay := Backoff(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)
	err := s.settle("mark retry", a, func() error {
		_, err := s.queue.MarkRetry(ctx, a.ID, attempt, time.Now().Add(delay), cause.Error())
		return err
	})
	if err != nil {
		slog.Error("Scheduler.retry: mark retry failed, action stays in flight", "actionID", a.ID, "error", err)
		return
	}
	slog.Info("Scheduler.retry: transient failure, backing off", "actionID", a.ID, "itemID", a.ItemID, "attempt", attempt, "delay", delay, "error", cause)
}

func (s *Scheduler) fail(ctx context.Context, a models.PendingAction, attempt int, cause error) {
	var cancelled int
	err := s.settle("mark failed", a, func() error {
		var err error
		_, cancelled, err = s.queue.MarkFailed(ctx, a.ID, attempt, cause.Error())
		return err
	})
	if err != nil {
		slog.Error("Scheduler.fail: mark failed failed", "actionID", a.ID, "error", err)
	}
	slog.Warn("Scheduler.fail: group abandoned", "itemID", a.ItemID, "groupID", a.GroupID, "actionID", a.ID, "cancelled", cancelled, "error", cause)
	s.notifier.GroupFinished(a.GroupID, a.ItemID, false)
}
