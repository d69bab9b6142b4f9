// Package bot turns discovered remote items into queued comment actions.
//
// The decision of what to say about an item belongs to a Decider supplied
// by the caller; this package only guarantees that each item is segmented,
// queued at most once at a time and committed as seen after every chunk
// was posted.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ImgurBot/internal/models"
	"github.com/BTreeMap/ImgurBot/internal/queue"
	"github.com/BTreeMap/ImgurBot/internal/segment"
	"github.com/BTreeMap/ImgurBot/internal/store"
)

// ErrEmptyText is returned when an item has nothing to post.
var ErrEmptyText = errors.New("text cannot be empty")

// Item is one reaction the bot wants to post.
type Item struct {
	// ID identifies the source item for deduplication.
	ID string `json:"item_id"`
	// Target is the remote object the comment is posted on.
	Target string `json:"target"`
	Text   string `json:"text"`
}

// SubmitStatus is the result of Pipeline.Submit.
type SubmitStatus string

const (
	SubmitQueued SubmitStatus = "queued"
	SubmitSeen   SubmitStatus = "seen"
	SubmitActive SubmitStatus = "active"
)

// SubmitResult describes what Submit did with an item.
type SubmitResult struct {
	Status  SubmitStatus `json:"status"`
	GroupID string       `json:"group_id,omitempty"`
	Chunks  int          `json:"chunks,omitempty"`
}

// Pipeline checks, segments and enqueues items.
type Pipeline struct {
	seen          store.SeenRepo
	queue         *queue.Queue
	maxUnitLength int
}

// NewPipeline validates maxUnitLength and builds a Pipeline.
func NewPipeline(seen store.SeenRepo, q *queue.Queue, maxUnitLength int) (*Pipeline, error) {
	if maxUnitLength <= 0 {
		return nil, models.NewConfigurationError("maxUnitLength", "must be > 0, got %d", maxUnitLength)
	}
	return &Pipeline{seen: seen, queue: q, maxUnitLength: maxUnitLength}, nil
}

// MaxUnitLength returns the segmentation limit.
func (p *Pipeline) MaxUnitLength() int {
	return p.maxUnitLength
}

// Submit queues item unless it was already committed or already has
// actions in the queue.
func (p *Pipeline) Submit(ctx context.Context, item Item) (SubmitResult, error) {
	if item.ID == "" {
		return SubmitResult{}, models.ErrEmptyItemID
	}
	if strings.TrimSpace(item.Text) == "" {
		return SubmitResult{}, ErrEmptyText
	}

	seen, err := p.seen.HasSeen(ctx, item.ID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("check seen failed: %w", err)
	}
	if seen {
		slog.Debug("Pipeline.Submit: item already seen", "itemID", item.ID)
		return SubmitResult{Status: SubmitSeen}, nil
	}
	if p.queue.Active(item.ID) {
		return SubmitResult{Status: SubmitActive}, nil
	}

	chunks, err := segment.Segment(item.Text, p.maxUnitLength)
	if err != nil {
		return SubmitResult{}, err
	}
	g, err := p.queue.Enqueue(ctx, models.NewActionGroup(item.ID, item.Target, chunks))
	if errors.Is(err, queue.ErrGroupActive) {
		return SubmitResult{Status: SubmitActive}, nil
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("enqueue failed: %w", err)
	}
	slog.Info("Pipeline.Submit: item queued", "itemID", item.ID, "target", item.Target, "groupID", g.ID, "chunks", len(chunks))
	return SubmitResult{Status: SubmitQueued, GroupID: g.ID, Chunks: len(chunks)}, nil
}
