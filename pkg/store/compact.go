package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

// stateGroup identifies one (order, state) group of raw rows.
type stateGroup struct {
	order int
	state string
}

// Compact folds the write-optimized raw transition log into the
// read-optimized compacted table, so sampling never has to scan or sum
// raw rows at request time. It returns the number of raw rows folded;
// calling it with nothing to compact is a no-op that returns 0.
//
// Each (order, state) group is folded in its own transaction: the
// group's raw rows are re-read, merged additively into the existing
// compacted distribution, the compacted row is upserted with a fresh
// updated_at, and the contributing raw rows are deleted. A crash between
// groups leaves every count either still raw or already folded, never
// neither, which also makes Compact idempotent.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT order_n, state_text FROM transitions ORDER BY order_n, state_text;`)
	if err != nil {
		return 0, fmt.Errorf("could not list raw transition groups: %w", err)
	}

	var groups []stateGroup
	for rows.Next() {
		var g stateGroup
		if err = rows.Scan(&g.order, &g.state); err != nil {
			_ = rows.Close()
			return 0, err
		}
		groups = append(groups, g)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	var folded int64
	for _, g := range groups {
		n, err := s.compactGroup(ctx, g)
		if err != nil {
			return folded, fmt.Errorf("could not compact state %q (order %d): %w", g.state, g.order, err)
		}
		folded += n
	}

	if folded > 0 {
		s.logger.InfoContext(ctx, "Compaction completed",
			slog.Int("state_groups", len(groups)),
			slog.Int64("rows_folded", folded),
		)
	}
	return folded, nil
}

// compactGroup folds one (order, state) group atomically and returns the
// number of raw rows it consumed.
func (s *Store) compactGroup(ctx context.Context, g stateGroup) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	// Re-read inside the transaction so increments landing after the
	// group listing are either included in the fold or left untouched.
	rows, err := tx.QueryContext(ctx,
		`SELECT next_token, count FROM transitions WHERE order_n = ? AND state_text = ? ORDER BY next_token;`, g.order, g.state)
	if err != nil {
		return 0, err
	}

	type rawRow struct {
		next  string
		count int64
	}
	var raw []rawRow
	for rows.Next() {
		var r rawRow
		if err = rows.Scan(&r.next, &r.count); err != nil {
			_ = rows.Close()
			return 0, err
		}
		raw = append(raw, r)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		// Raced with a previous fold; nothing to do.
		return 0, tx.Commit()
	}

	dist := markov.NewDistribution()
	var blob []byte
	err = tx.StmtContext(ctx, s.stmtGetState).QueryRowContext(ctx, g.order, g.state).Scan(&blob, new(int64), new(string))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First fold for this state.
	case err != nil:
		return 0, err
	default:
		existing, decErr := markov.DecodeDistribution(blob)
		if decErr != nil {
			s.logger.WarnContext(ctx, "Replacing undecodable state row during compaction",
				slog.Int("order", g.order),
				slog.String("state", g.state),
				slog.Any("error", decErr),
			)
		} else {
			dist = existing
		}
	}

	for _, r := range raw {
		dist.Add(r.next, r.count)
	}

	updatedAt := time.Now().UTC().Format(timeLayout)
	if _, err = tx.StmtContext(ctx, s.stmtUpsertState).ExecContext(ctx,
		g.order, g.state, dist.Encode(), dist.Total(), updatedAt); err != nil {
		return 0, err
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM transitions WHERE order_n = ? AND state_text = ?;`, g.order, g.state); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(raw)), nil
}
