package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Candidate is a remote item found by a Source.
type Candidate struct {
	ID          string
	Target      string
	Title       string
	Description string
}

// Source lists candidate items, newest first.
type Source interface {
	Fetch(ctx context.Context) ([]Candidate, error)
}

// Decider chooses what, if anything, to post about a candidate.
type Decider interface {
	Decide(ctx context.Context, c Candidate) (text string, ok bool, err error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, c Candidate) (string, bool, error)

func (f DeciderFunc) Decide(ctx context.Context, c Candidate) (string, bool, error) {
	return f(ctx, c)
}

// KeywordDecider replies with Reply to candidates whose title or
// description contains Keyword, case-insensitively.
type KeywordDecider struct {
	Keyword string
	Reply   string
}

func (d KeywordDecider) Decide(_ context.Context, c Candidate) (string, bool, error) {
	kw := strings.ToLower(d.Keyword)
	if kw == "" || d.Reply == "" {
		return "", false, nil
	}
	if strings.Contains(strings.ToLower(c.Title), kw) || strings.Contains(strings.ToLower(c.Description), kw) {
		return d.Reply, true, nil
	}
	return "", false, nil
}

// PollStats counts what one poll pass did.
type PollStats struct {
	Fetched int
	Skipped int
	Queued  int
	Failed  int
}

// Poller feeds a Source through a Decider into a Pipeline.
type Poller struct {
	source   Source
	decider  Decider
	pipeline *Pipeline
}

// NewPoller creates a Poller.
func NewPoller(source Source, decider Decider, pipeline *Pipeline) *Poller {
	return &Poller{source: source, decider: decider, pipeline: pipeline}
}

// Poll runs one discovery pass. Per-candidate failures are logged and
// counted; only a failed fetch is returned.
func (p *Poller) Poll(ctx context.Context) (PollStats, error) {
	var stats PollStats
	candidates, err := p.source.Fetch(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch candidates failed: %w", err)
	}
	stats.Fetched = len(candidates)

	for _, c := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		seen, err := p.pipeline.seen.HasSeen(ctx, c.ID)
		if err != nil {
			slog.Error("Poller.Poll: seen check failed", "itemID", c.ID, "error", err)
			stats.Failed++
			continue
		}
		if seen || p.pipeline.queue.Active(c.ID) {
			stats.Skipped++
			continue
		}

		text, ok, err := p.decider.Decide(ctx, c)
		if err != nil {
			slog.Error("Poller.Poll: decider failed", "itemID", c.ID, "error", err)
			stats.Failed++
			continue
		}
		if !ok {
			stats.Skipped++
			continue
		}

		res, err := p.pipeline.Submit(ctx, Item{ID: c.ID, Target: c.Target, Text: text})
		if err != nil {
			slog.Error("Poller.Poll: submit failed", "itemID", c.ID, "error", err)
			stats.Failed++
			continue
		}
		if res.Status == SubmitQueued {
			stats.Queued++
		} else {
			stats.Skipped++
		}
	}
	slog.Info("Poller.Poll: pass complete", "fetched", stats.Fetched, "queued", stats.Queued, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}
