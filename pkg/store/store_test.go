package store

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

func TestSetupSchemaIdempotent(t *testing.T) {
	db, _ := setupTestStore(t)
	if err := SetupSchema(db); err != nil {
		t.Errorf("second SetupSchema failed: %v", err)
	}
}

func TestAddMessage(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.AddMessage(ctx, "user1", "chan1", "hello there", time.Time{})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("AddMessage returned id %d, want > 0", id)
	}

	messages, err := s.Messages(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	m := messages[0]
	if m.UserID != "user1" || m.ChannelID != "chan1" || m.Content != "hello there" {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.Timestamp.IsZero() {
		t.Error("zero input timestamp was not replaced with the current time")
	}
}

func TestAddTransitionUpsert(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AddTransition(ctx, 2, "a b", "c", 1); err != nil {
			t.Fatalf("AddTransition failed: %v", err)
		}
	}
	if err := s.AddTransition(ctx, 2, "a b", "c", 5); err != nil {
		t.Fatalf("AddTransition failed: %v", err)
	}

	transitions, err := s.RawTransitions(ctx, 2)
	if err != nil {
		t.Fatalf("RawTransitions failed: %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("got %d rows, want 1 (upsert should accumulate)", len(transitions))
	}
	if transitions[0].Count != 8 {
		t.Errorf("count = %d, want 8", transitions[0].Count)
	}
}

func TestAddTransitionBatch(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	if err := s.AddTransitionBatch(ctx, nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}

	addTransitions(t, s, 2, [2]string{"a b", "c"}, [2]string{"a b", "c"}, [2]string{"b c", "d"})

	transitions, err := s.RawTransitions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 2 {
		t.Fatalf("got %d rows, want 2", len(transitions))
	}
	// Deterministic key order: "a b" before "b c".
	if transitions[0].State != "a b" || transitions[0].Count != 2 {
		t.Errorf("first row = %+v, want state 'a b' count 2", transitions[0])
	}
}

func TestRawTransitionsAllOrders(t *testing.T) {
	_, s := setupTestStore(t)

	addTransitions(t, s, 2, [2]string{"a b", "c"})
	addTransitions(t, s, 3, [2]string{"a b c", "d"})

	all, err := s.RawTransitions(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("got %d rows for order 0, want 2", len(all))
	}

	only2, err := s.RawTransitions(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(only2) != 1 || only2[0].Order != 2 {
		t.Errorf("order filter returned %+v", only2)
	}
}

func TestGetStateAbsent(t *testing.T) {
	_, s := setupTestStore(t)

	entry, err := s.GetState(context.Background(), 2, "never seen")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if entry != nil {
		t.Errorf("GetState for absent state = %+v, want nil", entry)
	}
}

func TestGetStateCorruptBlob(t *testing.T) {
	db, s := setupTestStore(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO states (order_n, state_text, dist_blob, total_count, updated_at) VALUES (2, 'bad state', X'FFFF', 2, '');`)
	if err != nil {
		t.Fatal(err)
	}

	// An undecodable row is treated as absent, not as a hard failure.
	entry, err := s.GetState(ctx, 2, "bad state")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if entry != nil {
		t.Errorf("GetState for corrupt row = %+v, want nil", entry)
	}
}

func TestMalformedTimestampsAreLogged(t *testing.T) {
	db, s := setupTestStore(t)
	ctx := context.Background()

	var buf bytes.Buffer
	s.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	if _, err := db.ExecContext(ctx,
		`INSERT INTO messages (timestamp, channel_id, user_id, content) VALUES ('not-a-time', 'c', 'u', 'text');`); err != nil {
		t.Fatal(err)
	}
	messages, err := s.Messages(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 1 || !messages[0].Timestamp.IsZero() {
		t.Errorf("messages = %+v, want one row with zero timestamp", messages)
	}
	if !strings.Contains(buf.String(), "malformed message timestamp") {
		t.Errorf("missing warning for message timestamp, log: %q", buf.String())
	}

	buf.Reset()
	dist := markov.NewDistribution()
	dist.Add("x", 1)
	if _, err := db.ExecContext(ctx,
		`INSERT INTO states (order_n, state_text, dist_blob, total_count, updated_at) VALUES (2, 'a b', ?, 1, 'garbage');`,
		dist.Encode()); err != nil {
		t.Fatal(err)
	}

	entry, err := s.GetState(ctx, 2, "a b")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if entry == nil || !entry.UpdatedAt.IsZero() {
		t.Errorf("entry = %+v, want present with zero UpdatedAt", entry)
	}
	if !strings.Contains(buf.String(), "malformed state timestamp") {
		t.Errorf("missing warning from GetState, log: %q", buf.String())
	}

	buf.Reset()
	if _, err := s.CompactedStates(ctx, 2); err != nil {
		t.Fatalf("CompactedStates failed: %v", err)
	}
	if !strings.Contains(buf.String(), "malformed state timestamp") {
		t.Errorf("missing warning from CompactedStates, log: %q", buf.String())
	}
}

func TestDeleteUserData(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	keepID, err := s.AddMessage(ctx, "keeper", "chan", "keep me", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	var goneIDs []int64
	for i := 0; i < 2; i++ {
		id, err := s.AddMessage(ctx, "leaver", "chan", "forget me", time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		goneIDs = append(goneIDs, id)
	}
	for _, id := range append(goneIDs, keepID) {
		if err := s.MarkPending(ctx, id, 3); err != nil {
			t.Fatal(err)
		}
	}

	// Transitions already derived from the user's messages are kept.
	addTransitions(t, s, 2, [2]string{"forget me", "please"})
	if _, err := s.Compact(ctx); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.DeleteUserData(ctx, "leaver")
	if err != nil {
		t.Fatalf("DeleteUserData failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	messages, err := s.Messages(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || messages[0].UserID != "keeper" {
		t.Errorf("remaining messages = %+v, want only keeper's", messages)
	}

	// The survivor's queue entry must not be collateral damage.
	pending, err := s.UnprocessedMessages(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != keepID {
		t.Errorf("pending after delete = %+v, want only keeper's message", pending)
	}

	// Folded counts stay: removal is not retroactive.
	entry, err := s.GetState(ctx, 2, "forget me")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Error("compacted state derived from deleted messages should survive")
	}
}

func TestClearDerived(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.AddMessage(ctx, "u", "c", "the corpus survives", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPending(ctx, id, 2, 3); err != nil {
		t.Fatal(err)
	}
	addTransitions(t, s, 2, [2]string{"a b", "c"})
	addTransitions(t, s, 3, [2]string{"a b c", "d"})
	if _, err := s.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	addTransitions(t, s, 2, [2]string{"a b", "d"})

	if err := s.ClearDerived(ctx, 2); err != nil {
		t.Fatalf("ClearDerived failed: %v", err)
	}

	// Order 2 is gone in both representations.
	if rows, err := s.RawTransitions(ctx, 2); err != nil || len(rows) != 0 {
		t.Errorf("order 2 raw rows = %v (err %v), want none", rows, err)
	}
	if entry, err := s.GetState(ctx, 2, "a b"); err != nil || entry != nil {
		t.Errorf("order 2 state = %+v (err %v), want absent", entry, err)
	}
	if pending, err := s.UnprocessedMessages(ctx, 2, 0); err != nil || len(pending) != 1 {
		t.Errorf("order 2 queue = %v (err %v), want message back to unprocessed", pending, err)
	}

	// Order 3 and the corpus are untouched.
	if entry, err := s.GetState(ctx, 3, "a b c"); err != nil || entry == nil {
		t.Errorf("order 3 state = %+v (err %v), want intact", entry, err)
	}
	messages, err := s.Messages(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Errorf("messages after ClearDerived = %d, want 1", len(messages))
	}
}

// Exact removal: after a user's messages are deleted, clearing one
// order's derived data and retraining from the retained corpus yields a
// model with no trace of the removed user's text.
func TestRebuildFromCorpusAfterUserDeletion(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	trainOn := func(content string) {
		t.Helper()
		m, err := markov.NewModel(2)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AddTransitionBatch(ctx, m.Train(strings.Fields(content))); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.AddMessage(ctx, "keeper", "c", "good clean words", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMessage(ctx, "leaver", "c", "toxic stuff entirely", time.Time{}); err != nil {
		t.Fatal(err)
	}
	trainOn("good clean words")
	trainOn("toxic stuff entirely")
	if _, err := s.Compact(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeleteUserData(ctx, "leaver"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearDerived(ctx, 2); err != nil {
		t.Fatal(err)
	}

	// Re-derive from the surviving corpus, the way the rebuild path does.
	messages, err := s.Messages(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, msg := range messages {
		m, err := markov.NewModel(2)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AddTransitionBatch(ctx, m.Train(strings.Fields(msg.Content))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Compact(ctx); err != nil {
		t.Fatal(err)
	}

	if entry, err := s.GetState(ctx, 2, "good clean"); err != nil || entry == nil {
		t.Errorf("survivor's state = %+v (err %v), want present", entry, err)
	}
	if entry, err := s.GetState(ctx, 2, "toxic stuff"); err != nil || entry != nil {
		t.Errorf("deleted user's state = %+v (err %v), want absent after rebuild", entry, err)
	}
}

func TestClearTrainingData(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.AddMessage(ctx, "u", "c", "some text", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPending(ctx, id, 3); err != nil {
		t.Fatal(err)
	}
	addTransitions(t, s, 2, [2]string{"some text", "here"})
	if _, err := s.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	addTransitions(t, s, 2, [2]string{"more", "raw"})

	if err := s.ClearTrainingData(ctx); err != nil {
		t.Fatalf("ClearTrainingData failed: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats after clear = %+v, want all zero", stats)
	}
}

func TestStats(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.AddMessage(ctx, "u", "c", "text", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTransitionBatch(ctx, []markov.Transition{
		{Order: 2, State: "a b", Next: "c", Count: 3},
		{Order: 2, State: "a b", Next: "d", Count: 1},
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", stats.MessageCount)
	}
	if stats.TransitionCount != 2 {
		t.Errorf("TransitionCount = %d, want 2", stats.TransitionCount)
	}
	if stats.StateCount != 0 {
		t.Errorf("StateCount = %d, want 0 before compaction", stats.StateCount)
	}
	if stats.TotalTransitionCounts != 4 {
		t.Errorf("TotalTransitionCounts = %d, want 4", stats.TotalTransitionCounts)
	}
}
