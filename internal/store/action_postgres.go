package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

func (s *PostgresStore) SaveGroup(ctx context.Context, actions []models.PendingAction) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`)
	if err != nil {
		return models.NewStorageError("save group", err)
	}
	defer stmt.Close()

	for _, a := range actions {
		_, err := stmt.ExecContext(ctx,
			a.ID, a.GroupID, a.ItemID, a.Target, a.Seq, a.Chunk.SequenceIndex, a.Chunk.TotalChunks,
			a.Chunk.Body, a.Chunk.Content, a.Attempt, string(a.State), nilIfZero(a.NotBefore),
			nilIfEmpty(a.LastError), a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return models.NewStorageError("save group", fmt.Errorf("insert action %s: %w", a.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return models.NewStorageError("save group", err)
	}
	slog.Debug("PostgresStore.SaveGroup", "groupID", actions[0].GroupID, "actions", len(actions))
	return nil
}

func (s *PostgresStore) UpdateAction(ctx context.Context, a models.PendingAction) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = $1, attempt = $2, not_before = $3, last_error = $4, updated_at = $5 WHERE id = $6`,
		string(a.State), a.Attempt, nilIfZero(a.NotBefore), nilIfEmpty(a.LastError), a.UpdatedAt, a.ID,
	)
	if err != nil {
		return models.NewStorageError("update action", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NewStorageError("update action", fmt.Errorf("action %s not found", a.ID))
	}
	return nil
}

func (s *PostgresStore) CancelGroup(ctx context.Context, groupID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = 'cancelled', updated_at = $1 WHERE group_id = $2 AND state = 'queued'`,
		at, groupID,
	)
	if err != nil {
		return 0, models.NewStorageError("cancel group", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) LoadPending(ctx context.Context) ([]models.PendingAction, error) {
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

func (s *PostgresStore) RequeueInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = 'queued', updated_at = $1 WHERE state = 'in-flight'`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, models.NewStorageError("requeue in-flight", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueInFlight", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM actions
		 WHERE group_id NOT IN (SELECT group_id FROM actions WHERE state IN ('queued', 'in-flight') OR updated_at >= $1)`,
		before,
	)
	if err != nil {
		return 0, models.NewStorageError("purge finished", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.PurgeFinished", "deleted", n, "before", before)
	}
	return int(n), nil
}
