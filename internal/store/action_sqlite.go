package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

func (s *SQLiteStore) SaveGroup(ctx context.Context, actions []models.PendingAction) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewStorageError("save group", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO actions (id, group_id, item_id, target, seq, sequence_index, total_chunks, body, content,
		 attempt, state, not_before, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return models.NewStorageError("save group", err)
	}
	defer stmt.Close()

	for _, a := range actions {
		_, err := stmt.ExecContext(ctx,
			a.ID, a.GroupID, a.ItemID, a.Target, a.Seq, a.Chunk.SequenceIndex, a.Chunk.TotalChunks,
			a.Chunk.Body, a.Chunk.Content, a.Attempt, string(a.State), nilIfZero(a.NotBefore),
			nilIfEmpty(a.LastError), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
		)
		if err != nil {
			return models.NewStorageError("save group", fmt.Errorf("insert action %s: %w", a.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return models.NewStorageError("save group", err)
	}
	slog.Debug("SQLiteStore.SaveGroup", "groupID", actions[0].GroupID, "actions", len(actions))
	return nil
}

func (s *SQLiteStore) UpdateAction(ctx context.Context, a models.PendingAction) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = ?, attempt = ?, not_before = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(a.State), a.Attempt, nilIfZero(a.NotBefore), nilIfEmpty(a.LastError), a.UpdatedAt.UTC(), a.ID,
	)
	if err != nil {
		return models.NewStorageError("update action", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NewStorageError("update action", fmt.Errorf("action %s not found", a.ID))
	}
	return nil
}

func (s *SQLiteStore) CancelGroup(ctx context.Context, groupID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = 'cancelled', updated_at = ? WHERE group_id = ? AND state = 'queued'`,
		at.UTC(), groupID,
	)
	if err != nil {
		return 0, models.NewStorageError("cancel group", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) LoadPending(ctx context.Context) ([]models.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE group_id IN (SELECT group_id FROM actions WHERE state IN ('queued', 'in-flight'))
		 ORDER BY seq ASC`)
	if err != nil {
		return nil, models.NewStorageError("load pending", err)
	}
	actions, err := collectActions(rows)
	if err != nil {
		return nil, models.NewStorageError("load pending", err)
	}
	return actions, nil
}

func (s *SQLiteStore) RequeueInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = 'queued', updated_at = ? WHERE state = 'in-flight'`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, models.NewStorageError("requeue in-flight", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueInFlight", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM actions
		 WHERE group_id NOT IN (SELECT group_id FROM actions WHERE state IN ('queued', 'in-flight') OR updated_at >= ?)`,
		before.UTC(),
	)
	if err != nil {
		return 0, models.NewStorageError("purge finished", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PurgeFinished", "deleted", n, "before", before)
	}
	return int(n), nil
}
