package store

import (
	"context"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

// SeenRepo records which remote items have been processed.
type SeenRepo interface {
	// HasSeen reports whether id has been committed.
	HasSeen(ctx context.Context, id string) (bool, error)

	// CommitSeen inserts id if absent. Committing an existing id is a no-op.
	// Only persistence failures are returned, as *models.StorageError.
	CommitSeen(ctx context.Context, id string) error

	// GetSeen returns the record for id, or nil if it was never committed.
	GetSeen(ctx context.Context, id string) (*models.SeenItem, error)

	// CountSeen returns the number of committed items.
	CountSeen(ctx context.Context) (int, error)

	// ResetSeen deletes every record. Operator use only.
	ResetSeen(ctx context.Context) error
}
