package store

import (
	"context"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

// ActionRepo persists the action queue so pending work survives restarts.
type ActionRepo interface {
	// SaveGroup inserts all actions of one group atomically.
	SaveGroup(ctx context.Context, actions []models.PendingAction) error

	// UpdateAction writes the mutable fields (state, attempt, not_before,
	// last_error, updated_at) of an existing action.
	UpdateAction(ctx context.Context, a models.PendingAction) error

	// CancelGroup moves the group's queued actions to cancelled and returns
	// how many were changed.
	CancelGroup(ctx context.Context, groupID string, at time.Time) (int, error)

	// LoadPending returns every action of every group that still has a queued
	// or in-flight action, ordered by seq.
	LoadPending(ctx context.Context) ([]models.PendingAction, error)

	// RequeueInFlight resets in-flight actions to queued (unknown outcome
	// after a restart) and returns how many were reset.
	RequeueInFlight(ctx context.Context) (int, error)

	// PurgeFinished deletes groups whose actions are all terminal and were
	// last updated before the cutoff.
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
}
