package store

import (
	"context"
)

// Stats is a snapshot of store-wide counters.
type Stats struct {
	MessageCount    int64 // rows in the raw corpus
	TransitionCount int64 // raw transition rows awaiting compaction
	StateCount      int64 // compacted state entries
	// TotalTransitionCounts is the aggregate probability mass: the sum
	// of raw counts plus the sum of compacted totals, so it is invariant
	// across a compaction pass.
	TotalTransitionCounts int64
}

// Stats returns a snapshot of statistics for the entire database.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	queries := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM messages;`, &st.MessageCount},
		{`SELECT COUNT(*) FROM transitions;`, &st.TransitionCount},
		{`SELECT COUNT(*) FROM states;`, &st.StateCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return Stats{}, err
		}
	}

	var rawSum, compactedSum int64
	if err := s.db.QueryRowContext(ctx, `SELECT coalesce(SUM(count), 0) FROM transitions;`).Scan(&rawSum); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT coalesce(SUM(total_count), 0) FROM states;`).Scan(&compactedSum); err != nil {
		return Stats{}, err
	}
	st.TotalTransitionCounts = rawSum + compactedSum

	return st, nil
}
