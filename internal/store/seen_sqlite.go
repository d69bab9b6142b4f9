package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

func (s *SQLiteStore) HasSeen(ctx context.Context, id string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM seen_items WHERE id = ?`, id).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, models.NewStorageError("has seen", err)
	}
	return true, nil
}

func (s *SQLiteStore) CommitSeen(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_items (id, processed_at) VALUES (?, ?)`,
		id, time.Now().UTC(),
	)
	return models.NewStorageError("commit seen", err)
}

func (s *SQLiteStore) GetSeen(ctx context.Context, id string) (*models.SeenItem, error) {
	var item models.SeenItem
	err := s.db.QueryRowContext(ctx, `SELECT id, processed_at FROM seen_items WHERE id = ?`, id).
		Scan(&item.ID, &item.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewStorageError("get seen", err)
	}
	return &item, nil
}

func (s *SQLiteStore) CountSeen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_items`).Scan(&n); err != nil {
		return 0, models.NewStorageError("count seen", err)
	}
	return n, nil
}

func (s *SQLiteStore) ResetSeen(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen_items`)
	return models.NewStorageError("reset seen", err)
}
