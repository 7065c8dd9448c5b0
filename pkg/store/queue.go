package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// The processing queue tracks which messages still need their
// transitions derived for a given order. The request path trains the
// primary order synchronously and marks higher orders pending; a
// background worker drains the queue later.

// ProcessingProgress summarizes queue state for one order.
type ProcessingProgress struct {
	Total     int64
	Processed int64
	Pending   int64
}

// MarkPending records that a message still needs training for each of
// the given orders.
func (s *Store) MarkPending(ctx context.Context, messageID int64, orders ...int) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for _, order := range orders {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_processing (message_id, order_n, processed) VALUES (?, ?, 0);`,
			messageID, order); err != nil {
			return fmt.Errorf("could not mark message %d pending for order %d: %w", messageID, order, err)
		}
	}
	return tx.Commit()
}

// UnprocessedMessages returns messages not yet processed for the given
// order, oldest first. A limit of 0 or less returns all of them.
func (s *Store) UnprocessedMessages(ctx context.Context, order, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.timestamp, m.channel_id, m.user_id, m.content
FROM messages m
LEFT JOIN message_processing mp ON m.id = mp.message_id AND mp.order_n = ?
WHERE mp.processed IS NULL OR mp.processed = 0
ORDER BY m.id LIMIT ?;`, order, limit)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	return s.scanMessages(ctx, rows)
}

// MarkProcessed records that a message's transitions have been derived
// for the given order.
func (s *Store) MarkProcessed(ctx context.Context, messageID int64, order int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_processing (message_id, order_n, processed, processed_at) VALUES (?, ?, 1, ?);`,
		messageID, order, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("could not mark message %d processed for order %d: %w", messageID, order, err)
	}
	return nil
}

// ProcessingStats returns per-order queue progress.
func (s *Store) ProcessingStats(ctx context.Context) (map[int]ProcessingProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT order_n,
       COUNT(*),
       SUM(CASE WHEN processed = 1 THEN 1 ELSE 0 END),
       SUM(CASE WHEN processed = 0 THEN 1 ELSE 0 END)
FROM message_processing
GROUP BY order_n;`)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	progress := make(map[int]ProcessingProgress)
	for rows.Next() {
		var order int
		var p ProcessingProgress
		if err = rows.Scan(&order, &p.Total, &p.Processed, &p.Pending); err != nil {
			return nil, err
		}
		progress[order] = p
	}
	return progress, rows.Err()
}
