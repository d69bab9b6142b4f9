package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

// actionColumns is the column list shared by every action SELECT.
const actionColumns = `id, group_id, item_id, target, seq, sequence_index, total_chunks, body, content,
	attempt, state, not_before, last_error, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for the zero time so it is stored as NULL.
func nilIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// scanAction scans a PendingAction from sql.Rows.
func scanAction(rows *sql.Rows) (models.PendingAction, error) {
	var a models.PendingAction
	var state string
	var lastError sql.NullString
	var notBefore sql.NullTime
	err := rows.Scan(
		&a.ID, &a.GroupID, &a.ItemID, &a.Target, &a.Seq, &a.Chunk.SequenceIndex, &a.Chunk.TotalChunks,
		&a.Chunk.Body, &a.Chunk.Content, &a.Attempt, &state, &notBefore, &lastError, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, fmt.Errorf("scan action failed: %w", err)
	}
	a.State = models.ActionState(state)
	if !a.State.IsValid() {
		return a, fmt.Errorf("scan action failed: unknown state %q for %s", state, a.ID)
	}
	a.LastError = lastError.String
	if notBefore.Valid {
		a.NotBefore = notBefore.Time
	}
	return a, nil
}

// collectActions drains rows into a slice, closing them.
func collectActions(rows *sql.Rows) ([]models.PendingAction, error) {
	defer rows.Close()
	var actions []models.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action rows iteration failed: %w", err)
	}
	return actions, nil
}
