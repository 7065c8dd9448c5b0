package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

// setupTestStore creates a file-backed SQLite database and a Store for
// testing. It uses t.Cleanup to ensure resources are released.
func setupTestStore(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := SetupSchema(db); err != nil {
		t.Fatalf("failed to set up schema: %v", err)
	}

	s, err := New(db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)

	return db, s
}

// addTransitions is shorthand for persisting a batch of (state, next)
// increments at the given order.
func addTransitions(t *testing.T, s *Store, order int, pairs ...[2]string) {
	t.Helper()
	batch := make([]markov.Transition, 0, len(pairs))
	for _, p := range pairs {
		batch = append(batch, markov.Transition{Order: order, State: p[0], Next: p[1], Count: 1})
	}
	if err := s.AddTransitionBatch(context.Background(), batch); err != nil {
		t.Fatalf("AddTransitionBatch failed: %v", err)
	}
}
