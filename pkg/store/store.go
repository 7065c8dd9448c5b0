package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

// timeLayout is the canonical timestamp encoding, chosen so both sqlite
// drivers round-trip values identically.
const timeLayout = time.RFC3339Nano

// SetupSchema initializes the required tables in the provided database.
// This function should be called once on a new database before any other
// operations are performed. It is idempotent and safe to call on an
// already-initialized database.
func SetupSchema(db *sql.DB) error {
	const (
		schemaMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY,
    timestamp DATETIME,
    channel_id TEXT,
    user_id TEXT,
    content TEXT
);
`
		schemaTransitions = `
CREATE TABLE IF NOT EXISTS transitions (
    order_n INTEGER NOT NULL,
    state_text TEXT NOT NULL,
    next_token TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (order_n, state_text, next_token)
);
`
		schemaStates = `
CREATE TABLE IF NOT EXISTS states (
    order_n INTEGER NOT NULL,
    state_text TEXT NOT NULL,
    dist_blob BLOB NOT NULL,
    total_count INTEGER NOT NULL,
    updated_at DATETIME,
    PRIMARY KEY (order_n, state_text)
);
`
		schemaProcessing = `
CREATE TABLE IF NOT EXISTS message_processing (
    message_id INTEGER NOT NULL,
    order_n INTEGER NOT NULL,
    processed BOOLEAN NOT NULL DEFAULT 0,
    processed_at DATETIME,
    PRIMARY KEY (message_id, order_n),
    FOREIGN KEY (message_id) REFERENCES messages(id)
);
`
	)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for _, schema := range []string{schemaMessages, schemaTransitions, schemaStates, schemaProcessing} {
		if _, err = tx.Exec(schema); err != nil {
			return fmt.Errorf("could not create schema: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Message is a raw corpus record: the unmodified input text kept so the
// transition tables can be rebuilt later under a different tokenization
// or order. It is never read during generation.
type Message struct {
	ID        int64
	Timestamp time.Time
	ChannelID string
	UserID    string
	Content   string
}

// Store is the persistence layer for the Markov transition engine. It
// holds the database connection and prepared SQL statements for the hot
// paths. A single process owns the database file; within the process the
// store's transactions are the serialization boundary.
type Store struct {
	db                *sql.DB
	stmtAddMessage    *sql.Stmt
	stmtAddTransition *sql.Stmt
	stmtGetState      *sql.Stmt
	stmtUpsertState   *sql.Stmt
	stmtDeleteUser    *sql.Stmt
	logger            *slog.Logger
}

// New creates a Store over an already-opened database. It pre-compiles
// the statements used on write and lookup paths, returning an error if
// any preparation fails. SetupSchema must have been run on the database.
func New(db *sql.DB) (*Store, error) {
	stmtAddMessage, err := db.Prepare(`INSERT INTO messages (timestamp, channel_id, user_id, content) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return nil, err
	}

	stmtAddTransition, err := db.Prepare(`INSERT INTO transitions (order_n, state_text, next_token, count) VALUES (?, ?, ?, ?) ON CONFLICT(order_n, state_text, next_token) DO UPDATE SET count = count + excluded.count;`)
	if err != nil {
		return nil, err
	}

	stmtGetState, err := db.Prepare(`SELECT dist_blob, total_count, updated_at FROM states WHERE order_n = ? AND state_text = ?;`)
	if err != nil {
		return nil, err
	}

	stmtUpsertState, err := db.Prepare(`INSERT INTO states (order_n, state_text, dist_blob, total_count, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(order_n, state_text) DO UPDATE SET dist_blob = excluded.dist_blob, total_count = excluded.total_count, updated_at = excluded.updated_at;`)
	if err != nil {
		return nil, err
	}

	stmtDeleteUser, err := db.Prepare(`DELETE FROM messages WHERE user_id = ?;`)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:                db,
		stmtAddMessage:    stmtAddMessage,
		stmtAddTransition: stmtAddTransition,
		stmtGetState:      stmtGetState,
		stmtUpsertState:   stmtUpsertState,
		stmtDeleteUser:    stmtDeleteUser,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// Close releases all prepared SQL statements held by the Store. It does
// not close the underlying database.
func (s *Store) Close() {
	_ = s.stmtAddMessage.Close()
	_ = s.stmtAddTransition.Close()
	_ = s.stmtGetState.Close()
	_ = s.stmtUpsertState.Close()
	_ = s.stmtDeleteUser.Close()
}

// SetLogger sets the logger for the Store. By default, all logs are
// discarded.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// AddMessage inserts a raw corpus record and returns its id. A zero
// timestamp is replaced with the current time. Messages are insert-only
// and never mutated.
func (s *Store) AddMessage(ctx context.Context, userID, channelID, content string, timestamp time.Time) (int64, error) {
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	res, err := s.stmtAddMessage.ExecContext(ctx, timestamp.UTC().Format(timeLayout), channelID, userID, content)
	if err != nil {
		return 0, fmt.Errorf("could not insert message: %w", err)
	}
	return res.LastInsertId()
}

// AddTransition upserts a single raw transition, incrementing the
// accumulator for the (order, state, next) composite key.
func (s *Store) AddTransition(ctx context.Context, order int, state, next string, count int64) error {
	if count <= 0 {
		count = 1
	}
	if _, err := s.stmtAddTransition.ExecContext(ctx, order, state, next, count); err != nil {
		return fmt.Errorf("could not upsert transition for %q: %w", state, err)
	}
	return nil
}

// AddTransitionBatch upserts many raw transitions within a single
// transaction. This is the ingest path for Model.Train output and is
// significantly more efficient than per-row calls.
func (s *Store) AddTransitionBatch(ctx context.Context, transitions []markov.Transition) error {
	if len(transitions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	stmt := tx.StmtContext(ctx, s.stmtAddTransition)
	for _, t := range transitions {
		count := t.Count
		if count <= 0 {
			count = 1
		}
		if _, err := stmt.ExecContext(ctx, t.Order, t.State, t.Next, count); err != nil {
			return fmt.Errorf("could not upsert transition for %q: %w", t.State, err)
		}
	}
	return tx.Commit()
}

// GetState is a point lookup into the compacted table only; it does not
// see uncompacted raw rows. It returns nil when the state is absent. A
// row whose blob fails to decode is logged and treated as absent rather
// than crashing the caller.
func (s *Store) GetState(ctx context.Context, order int, state string) (*markov.StateEntry, error) {
	var blob []byte
	var total int64
	var updatedAt string
	err := s.stmtGetState.QueryRowContext(ctx, order, state).Scan(&blob, &total, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not get state %q: %w", state, err)
	}

	dist, err := markov.DecodeDistribution(blob)
	if err != nil {
		s.logger.WarnContext(ctx, "Discarding undecodable state row",
			slog.Int("order", order),
			slog.String("state", state),
			slog.Any("error", err),
		)
		return nil, nil
	}

	entry := &markov.StateEntry{
		Order:      order,
		State:      state,
		Dist:       dist,
		TotalCount: total,
	}
	if ts, err := time.Parse(timeLayout, updatedAt); err == nil {
		entry.UpdatedAt = ts
	} else {
		s.logger.WarnContext(ctx, "Ignoring malformed state timestamp",
			slog.Int("order", order),
			slog.String("state", state),
			slog.Any("error", err),
		)
	}
	return entry, nil
}

// CompactedStates returns every compacted entry for the given order, in
// lexical state order. Rows whose blobs fail to decode are logged and
// skipped.
func (s *Store) CompactedStates(ctx context.Context, order int) ([]markov.StateEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_text, dist_blob, total_count, updated_at FROM states WHERE order_n = ? ORDER BY state_text;`, order)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var entries []markov.StateEntry
	for rows.Next() {
		var state, updatedAt string
		var blob []byte
		var total int64
		if err = rows.Scan(&state, &blob, &total, &updatedAt); err != nil {
			return nil, err
		}
		dist, err := markov.DecodeDistribution(blob)
		if err != nil {
			s.logger.WarnContext(ctx, "Skipping undecodable state row",
				slog.Int("order", order),
				slog.String("state", state),
				slog.Any("error", err),
			)
			continue
		}
		entry := markov.StateEntry{Order: order, State: state, Dist: dist, TotalCount: total}
		if ts, err := time.Parse(timeLayout, updatedAt); err == nil {
			entry.UpdatedAt = ts
		} else {
			s.logger.WarnContext(ctx, "Ignoring malformed state timestamp",
				slog.Int("order", order),
				slog.String("state", state),
				slog.Any("error", err),
			)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RawTransitions returns raw transition rows in deterministic key order,
// used to rebuild an in-memory model. An order of 0 selects all orders.
func (s *Store) RawTransitions(ctx context.Context, order int) ([]markov.Transition, error) {
	const base = `SELECT order_n, state_text, next_token, count FROM transitions`
	var rows *sql.Rows
	var err error
	if order > 0 {
		rows, err = s.db.QueryContext(ctx, base+` WHERE order_n = ? ORDER BY order_n, state_text, next_token;`, order)
	} else {
		rows, err = s.db.QueryContext(ctx, base+` ORDER BY order_n, state_text, next_token;`)
	}
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var transitions []markov.Transition
	for rows.Next() {
		var t markov.Transition
		if err = rows.Scan(&t.Order, &t.State, &t.Next, &t.Count); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// Messages returns corpus records ordered by id, for audit and rebuild
// tooling. A limit of 0 or less returns everything after the offset.
func (s *Store) Messages(ctx context.Context, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 means unlimited
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, channel_id, user_id, content FROM messages ORDER BY id LIMIT ? OFFSET ?;`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	return s.scanMessages(ctx, rows)
}

// scanMessages drains a message result set. A malformed timestamp is
// logged and leaves the zero time rather than failing the whole scan.
func (s *Store) scanMessages(ctx context.Context, rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &ts, &m.ChannelID, &m.UserID, &m.Content); err != nil {
			return nil, err
		}
		if parsed, err := time.Parse(timeLayout, ts); err == nil {
			m.Timestamp = parsed
		} else {
			s.logger.WarnContext(ctx, "Ignoring malformed message timestamp",
				slog.Int64("message_id", m.ID),
				slog.Any("error", err),
			)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteUserData deletes a user's raw corpus rows and their processing
// queue entries, returning the number of messages removed. Transition
// counts already folded from those messages are deliberately left in
// place: reversing folded aggregates would require per-message
// provenance the store does not keep. An explicit rebuild from the
// remaining corpus is the supported path to exact removal.
func (s *Store) DeleteUserData(ctx context.Context, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM message_processing WHERE message_id IN (SELECT id FROM messages WHERE user_id = ?);`, userID); err != nil {
		return 0, fmt.Errorf("could not delete processing rows for user %q: %w", userID, err)
	}

	res, err := tx.StmtContext(ctx, s.stmtDeleteUser).ExecContext(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("could not delete messages for user %q: %w", userID, err)
	}
	deleted, _ := res.RowsAffected()

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "User data deleted",
		slog.String("user_id", userID),
		slog.Int64("messages_deleted", deleted),
	)
	return deleted, nil
}

// ClearDerived deletes one order's derived data: its raw transitions,
// compacted states, and processing-queue rows. The message corpus is
// untouched, so the order can be rebuilt from it afterwards.
func (s *Store) ClearDerived(ctx context.Context, order int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for _, table := range []string{"transitions", "states", "message_processing"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE order_n = ?;`, order); err != nil {
			return fmt.Errorf("could not clear %s for order %d: %w", table, order, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Derived data cleared", slog.Int("order", order))
	return nil
}

// ClearTrainingData deletes messages, raw transitions, compacted states,
// and the processing queue. Intended for a full reset.
func (s *Store) ClearTrainingData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for _, table := range []string{"messages", "transitions", "states", "message_processing"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+`;`); err != nil {
			return fmt.Errorf("could not clear %s: %w", table, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Training data cleared")
	return nil
}
