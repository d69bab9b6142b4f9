package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/api"
	"github.com/BTreeMap/ImgurBot/internal/bot"
	"github.com/BTreeMap/ImgurBot/internal/config"
	"github.com/BTreeMap/ImgurBot/internal/dispatch"
	"github.com/BTreeMap/ImgurBot/internal/imgur"
	"github.com/BTreeMap/ImgurBot/internal/lockfile"
	"github.com/BTreeMap/ImgurBot/internal/models"
	"github.com/BTreeMap/ImgurBot/internal/queue"
	"github.com/BTreeMap/ImgurBot/internal/scheduler"
	"github.com/BTreeMap/ImgurBot/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot: drain the action queue, serve the admin API and run cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, a.cfg)
		},
	}
}

// logNotifier logs dispatch outcomes.
type logNotifier struct{}

func (logNotifier) ActionFinished(a models.PendingAction, outcome models.Outcome, err error) {
	if err != nil {
		slog.Warn("logNotifier.ActionFinished: dispatch did not succeed", "actionID", a.ID, "itemID", a.ItemID, "outcome", outcome, "attempt", a.Attempt, "error", err)
		return
	}
	slog.Debug("logNotifier.ActionFinished: dispatch succeeded", "actionID", a.ID, "itemID", a.ItemID, "chunk", a.Chunk.SequenceIndex)
}

func (logNotifier) GroupFinished(groupID, itemID string, committed bool) {
	slog.Info("logNotifier.GroupFinished: group finished", "groupID", groupID, "itemID", itemID, "committed", committed)
}

// runBot wires the daemon and blocks until ctx is cancelled and in-flight
// dispatches have settled.
func runBot(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}
	if err := ensureStateDir(cfg); err != nil {
		return err
	}

	lock, err := lockfile.Acquire(cfg.StateDir, "run")
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("runBot: failed to release lock", "error", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("runBot: failed to close store", "error", err)
		}
	}()

	q := queue.New(st)
	restored, err := q.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore queue failed: %w", err)
	}
	slog.Info("runBot: queue restored", "groups", restored.Groups, "actions", restored.Actions, "requeued", restored.Requeued, "abandoned", restored.Abandoned)

	client, err := imgur.NewClient(ctx, cfg.Credentials(), imgur.WithBaseURL(cfg.Imgur.APIBase))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sched, err := dispatch.New(cfg.Dispatch(), q, client, st,
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
		dispatch.WithNotifier(logNotifier{}))
	if err != nil {
		return err
	}

	pipeline, err := bot.NewPipeline(st, q, cfg.MaxUnitLength)
	if err != nil {
		return err
	}

	cron, err := newCron(ctx, cfg, st, client, pipeline)
	if err != nil {
		return err
	}
	cron.Start()
	defer cron.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := api.NewServer(st, q, pipeline, api.WithAddr(cfg.APIAddr), api.WithGatherer(reg))
	srvErr := make(chan error, 1)
	go func() {
		err := srv.Run(ctx)
		if err != nil {
			cancel()
		}
		srvErr <- err
	}()

	slog.Info("runBot: ImgurBot running", "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr, "jobs", cron.Len())
	runErr := sched.Run(ctx)
	cancel()
	if err := <-srvErr; err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("runBot: ImgurBot stopped")
	return nil
}

// newCron registers the maintenance job and, when configured, the gallery
// poller.
func newCron(ctx context.Context, cfg config.Config, st store.ActionRepo, client *imgur.Client, pipeline *bot.Pipeline) (*scheduler.Scheduler, error) {
	cron := scheduler.NewScheduler()
	err := cron.AddJob("purge-finished", cfg.MaintenanceCron, func() {
		cutoff := time.Now().Add(-cfg.Retention)
		n, err := st.PurgeFinished(ctx, cutoff)
		if err != nil {
			slog.Error("purge-finished: purge failed", "error", err)
			return
		}
		slog.Info("purge-finished: finished actions purged", "count", n, "before", cutoff)
	})
	if err != nil {
		return nil, err
	}

	if cfg.Poll.Cron == "" {
		return cron, nil
	}
	source := imgur.NewGallerySource(client, cfg.Poll.Section, cfg.Poll.Sort)
	decider := bot.KeywordDecider{Keyword: cfg.Poll.Keyword, Reply: cfg.Poll.Reply}
	poller := bot.NewPoller(source, decider, pipeline)
	err = cron.AddJob("poll-gallery", cfg.Poll.Cron, func() {
		stats, err := poller.Poll(ctx)
		if err != nil {
			slog.Error("poll-gallery: poll failed", "error", err)
			return
		}
		slog.Info("poll-gallery: poll finished", "fetched", stats.Fetched, "queued", stats.Queued, "skipped", stats.Skipped, "failed", stats.Failed)
	})
	if err != nil {
		return nil, err
	}
	return cron, nil
}
