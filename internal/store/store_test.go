package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	s.db.Exec("DELETE FROM seen_items")
	s.db.Exec("DELETE FROM actions")
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// backends runs fn against every available Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, newTestPostgresStore(t)) })
}

func testGroup(groupID, itemID string, seqStart int64, n int) []models.PendingAction {
	now := time.Now().UTC().Truncate(time.Millisecond)
	actions := make([]models.PendingAction, n)
	for i := range actions {
		actions[i] = models.PendingAction{
			ID:      fmt.Sprintf("%s-a%d", groupID, i),
			GroupID: groupID,
			ItemID:  itemID,
			Target:  "gallery-1",
			Seq:     seqStart + int64(i),
			Chunk: models.TextChunk{
				SequenceIndex: i,
				TotalChunks:   n,
				Body:          fmt.Sprintf("part %d (%d/%d)", i, i+1, n),
				Content:       fmt.Sprintf("part %d ", i),
			},
			State:     models.ActionStateQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return actions
}

// --- Seen repo tests ---

func TestStore_SeenCommitIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		seen, err := s.HasSeen(ctx, "0")
		if err != nil {
			t.Fatalf("HasSeen failed: %v", err)
		}
		if seen {
			t.Error("Expected unseen item before commit")
		}

		if err := s.CommitSeen(ctx, "1"); err != nil {
			t.Fatalf("CommitSeen failed: %v", err)
		}
		if err := s.CommitSeen(ctx, "1"); err != nil {
			t.Fatalf("Second CommitSeen should be a no-op, got: %v", err)
		}

		seen, err = s.HasSeen(ctx, "1")
		if err != nil {
			t.Fatalf("HasSeen failed: %v", err)
		}
		if !seen {
			t.Error("Expected committed item to be seen")
		}
		if seen, _ := s.HasSeen(ctx, "0"); seen {
			t.Error("Unrelated item reported as seen")
		}

		n, err := s.CountSeen(ctx)
		if err != nil {
			t.Fatalf("CountSeen failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected exactly 1 record, got %d", n)
		}

		item, err := s.GetSeen(ctx, "1")
		if err != nil {
			t.Fatalf("GetSeen failed: %v", err)
		}
		if item == nil || item.ID != "1" || item.ProcessedAt.IsZero() {
			t.Errorf("Unexpected seen item: %+v", item)
		}
		if missing, _ := s.GetSeen(ctx, "nope"); missing != nil {
			t.Errorf("Expected nil for unknown id, got %+v", missing)
		}
	})
}

func TestStore_SeenReset(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			if err := s.CommitSeen(ctx, id); err != nil {
				t.Fatalf("CommitSeen %s failed: %v", id, err)
			}
		}
		if err := s.ResetSeen(ctx); err != nil {
			t.Fatalf("ResetSeen failed: %v", err)
		}
		if n, _ := s.CountSeen(ctx); n != 0 {
			t.Errorf("Expected empty store after reset, got %d", n)
		}
	})
}

func TestStore_SeenConcurrentCommit(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 32)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.CommitSeen(ctx, "post-42"); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("Concurrent CommitSeen failed: %v", err)
		}
		if n, _ := s.CountSeen(ctx); n != 1 {
			t.Errorf("Expected 1 record after concurrent commits, got %d", n)
		}
	})
}

func TestSQLiteStore_SeenSurvivesRestart(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "seen_restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	dbPath := filepath.Join(tempDir, "nested", "bot.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if err := s1.CommitSeen(ctx, "restart-1"); err != nil {
		t.Fatalf("CommitSeen failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()
	seen, err := s2.HasSeen(ctx, "restart-1")
	if err != nil {
		t.Fatalf("HasSeen failed: %v", err)
	}
	if !seen {
		t.Error("Expected item to be seen after restart")
	}
}

func TestSQLiteStore_ClosedReturnsStorageError(t *testing.T) {
	s := newTestSQLiteStore(t)
	s.Close()
	err := s.CommitSeen(context.Background(), "x")
	var se *models.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StorageError, got %v", err)
	}
	if se.Op != "commit seen" {
		t.Errorf("Expected op 'commit seen', got %q", se.Op)
	}
}

// --- Action repo tests ---

func TestStore_ActionLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveGroup(ctx, testGroup("g1", "post-1", 1, 3)); err != nil {
			t.Fatalf("SaveGroup g1 failed: %v", err)
		}
		if err := s.SaveGroup(ctx, testGroup("g2", "post-2", 4, 1)); err != nil {
			t.Fatalf("SaveGroup g2 failed: %v", err)
		}

		pending, err := s.LoadPending(ctx)
		if err != nil {
			t.Fatalf("LoadPending failed: %v", err)
		}
		if len(pending) != 4 {
			t.Fatalf("Expected 4 pending actions, got %d", len(pending))
		}
		for i, a := range pending {
			if a.Seq != int64(i+1) {
				t.Errorf("Expected seq order, position %d has seq %d", i, a.Seq)
			}
		}
		if pending[1].Chunk.Body != "part 1 (2/3)" || pending[1].Chunk.Content != "part 1 " || pending[1].Chunk.TotalChunks != 3 {
			t.Errorf("Chunk did not round-trip: %+v", pending[1].Chunk)
		}

		// First chunk of g1 succeeds; the group stays pending with all siblings.
		done := pending[0]
		done.State = models.ActionStateSucceeded
		done.UpdatedAt = time.Now().UTC()
		if err := s.UpdateAction(ctx, done); err != nil {
			t.Fatalf("UpdateAction failed: %v", err)
		}
		// g2's only action goes in flight and is then recovered.
		flying := pending[3]
		flying.State = models.ActionStateInFlight
		flying.Attempt = 1
		flying.NotBefore = time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
		flying.LastError = "timeout"
		if err := s.UpdateAction(ctx, flying); err != nil {
			t.Fatalf("UpdateAction failed: %v", err)
		}

		n, err := s.RequeueInFlight(ctx)
		if err != nil {
			t.Fatalf("RequeueInFlight failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 requeued action, got %d", n)
		}

		pending, err = s.LoadPending(ctx)
		if err != nil {
			t.Fatalf("LoadPending failed: %v", err)
		}
		if len(pending) != 4 {
			t.Fatalf("Expected succeeded sibling to stay in pending set, got %d actions", len(pending))
		}
		if pending[0].State != models.ActionStateSucceeded {
			t.Errorf("Expected first action succeeded, got %q", pending[0].State)
		}
		g2 := pending[3]
		if g2.State != models.ActionStateQueued || g2.Attempt != 1 || g2.LastError != "timeout" || g2.NotBefore.IsZero() {
			t.Errorf("Unexpected recovered action: %+v", g2)
		}

		// Abandon g1: its remaining queued actions are cancelled.
		cancelled, err := s.CancelGroup(ctx, "g1", time.Now().UTC())
		if err != nil {
			t.Fatalf("CancelGroup failed: %v", err)
		}
		if cancelled != 2 {
			t.Errorf("Expected 2 cancelled actions, got %d", cancelled)
		}
		pending, err = s.LoadPending(ctx)
		if err != nil {
			t.Fatalf("LoadPending failed: %v", err)
		}
		if len(pending) != 1 || pending[0].GroupID != "g2" {
			t.Errorf("Expected only g2 pending, got %+v", pending)
		}

		// Finished groups are purged once older than the cutoff.
		purged, err := s.PurgeFinished(ctx, time.Now().UTC().Add(time.Hour))
		if err != nil {
			t.Fatalf("PurgeFinished failed: %v", err)
		}
		if purged != 3 {
			t.Errorf("Expected 3 purged actions, got %d", purged)
		}
		pending, _ = s.LoadPending(ctx)
		if len(pending) != 1 {
			t.Errorf("Purge must not touch open groups, got %d pending", len(pending))
		}
	})
}

func TestStore_UpdateUnknownAction(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		err := s.UpdateAction(context.Background(), models.PendingAction{ID: "missing", State: models.ActionStateSucceeded})
		var se *models.StorageError
		if !errors.As(err, &se) {
			t.Errorf("Expected StorageError for unknown action, got %v", err)
		}
	})
}

func TestStore_SaveGroupIsAtomic(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveGroup(ctx, testGroup("g1", "post-1", 1, 1)); err != nil {
			t.Fatalf("SaveGroup failed: %v", err)
		}
		// The second action of g3 reuses an existing ID, so the whole group is rejected.
		dup := testGroup("g3", "post-3", 10, 2)
		dup[1].ID = "g1-a0"
		if err := s.SaveGroup(ctx, dup); err == nil {
			t.Fatal("Expected duplicate action ID to fail")
		}
		pending, _ := s.LoadPending(ctx)
		if len(pending) != 1 {
			t.Errorf("Failed SaveGroup must not leave partial rows, got %d", len(pending))
		}
	})
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://localhost/db":     "postgres",
		"host=localhost dbname=imgur":   "postgres",
		"/var/lib/imgurbot/imgurbot.db": "sqlite",
		"bot.db":                        "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open(\"\") failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("Expected in-memory store for empty DSN, got %T", s)
	}

	dbPath := filepath.Join(t.TempDir(), "open.db")
	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", dbPath, err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("Expected SQLite store for file DSN, got %T", s)
	}
}

func TestSQLiteConnString(t *testing.T) {
	if got := sqliteConnString("/tmp/x.db"); got != "file:/tmp/x.db?_busy_timeout=5000&_journal_mode=WAL" {
		t.Errorf("unexpected conn string %q", got)
	}
	if got := sqliteConnString("file:/tmp/x.db?_foreign_keys=on"); got != "file:/tmp/x.db?_foreign_keys=on" {
		t.Errorf("explicit DSN should be kept, got %q", got)
	}
}
