// Package storage persists CoValues in SQLite: headers, per-session
// transaction logs, and the checkpoint signatures needed to serve
// partial session logs. A store can be presented to a node as a
// server-role peer, making persistence just another participant in the
// sync protocol.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/crypto"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// ErrStaleAppend is returned when an append does not continue a session
// log at exactly its stored count.
var ErrStaleAppend = errors.New("storage: append does not continue session log")

// Store provides durable storage for CoValue transaction logs.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1) // Single writer to avoid SQLITE_BUSY errors
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	// No incremental migrations yet; new versions slot in here.
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// StoreHeader persists a CoValue's header. Idempotent: storing the same
// ID twice is a no-op, which matches headers being immutable.
func (s *Store) StoreHeader(ctx context.Context, header coval.Header) error {
	body, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("store header: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO covalues (id, header)
		VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(header.ID()), string(body))
	if err != nil {
		return fmt.Errorf("store header: %w", err)
	}
	return nil
}

// Header loads a CoValue's header. The second return is false when the
// CoValue is not stored.
func (s *Store) Header(ctx context.Context, id coval.ID) (coval.Header, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT header FROM covalues WHERE id = ?`, string(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return coval.Header{}, false, nil
	}
	if err != nil {
		return coval.Header{}, false, fmt.Errorf("read header: %w", err)
	}
	var header coval.Header
	if err := json.Unmarshal([]byte(body), &header); err != nil {
		return coval.Header{}, false, fmt.Errorf("decode header %s: %w", id, err)
	}
	return header, true, nil
}

// KnownState reports what is stored for a CoValue: header presence and
// per-session transaction counts.
func (s *Store) KnownState(ctx context.Context, id coval.ID) (coval.KnownState, error) {
	ks := coval.EmptyKnownState(id)

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM covalues WHERE id = ?`, string(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ks, nil
	}
	if err != nil {
		return ks, fmt.Errorf("known state: %w", err)
	}
	ks.Header = true

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, tx_count
		FROM sessions
		WHERE covalue_id = ?
		ORDER BY session_id ASC
	`, string(id))
	if err != nil {
		return ks, fmt.Errorf("known state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var session string
		var count int
		if err := rows.Scan(&session, &count); err != nil {
			return ks, fmt.Errorf("known state: %w", err)
		}
		ks.Sessions[crypto.SessionID(session)] = count
	}
	if err := rows.Err(); err != nil {
		return ks, fmt.Errorf("known state: %w", err)
	}
	return ks, nil
}

// AppendTransactions atomically extends one session log: the new
// transaction rows, the updated session row, and the batch-end
// signature as a checkpoint, all in one database transaction. The batch
// must continue the log at exactly its stored count.
func (s *Store) AppendTransactions(ctx context.Context, id coval.ID, session crypto.SessionID, after int, txs []coval.Transaction, lastSignature crypto.Signature) error {
	if len(txs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	count := 0
	err = tx.QueryRowContext(ctx, `
		SELECT tx_count FROM sessions WHERE covalue_id = ? AND session_id = ?
	`, string(id), string(session)).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("append: read session: %w", err)
	}
	if after != count {
		return fmt.Errorf("%w: batch starts at %d, stored count is %d", ErrStaleAppend, after, count)
	}

	newCount := after + len(txs)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (covalue_id, session_id, tx_count, last_signature)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(covalue_id, session_id) DO UPDATE SET
			tx_count = excluded.tx_count,
			last_signature = excluded.last_signature
	`, string(id), string(session), newCount, string(lastSignature))
	if err != nil {
		return fmt.Errorf("append: upsert session: %w", err)
	}

	for i, t := range txs {
		body, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("append: encode transaction %d: %w", after+i, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (covalue_id, session_id, tx_index, body)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(covalue_id, session_id, tx_index) DO NOTHING
		`, string(id), string(session), after+i, string(body))
		if err != nil {
			return fmt.Errorf("append: insert transaction %d: %w", after+i, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signature_checkpoints (covalue_id, session_id, tx_count, signature)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(covalue_id, session_id, tx_count) DO NOTHING
	`, string(id), string(session), newCount, string(lastSignature))
	if err != nil {
		return fmt.Errorf("append: insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

// TransactionsInRange returns transactions [from, to) of one session in
// index order.
func (s *Store) TransactionsInRange(ctx context.Context, id coval.ID, session crypto.SessionID, from, to int) ([]coval.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM transactions
		WHERE covalue_id = ? AND session_id = ? AND tx_index >= ? AND tx_index < ?
		ORDER BY tx_index ASC
	`, string(id), string(session), from, to)
	if err != nil {
		return nil, fmt.Errorf("read transactions: %w", err)
	}
	defer rows.Close()

	var out []coval.Transaction
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("read transactions: %w", err)
		}
		var t coval.Transaction
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read transactions: %w", err)
	}
	return out, nil
}

// Checkpoint is one stored signature boundary: signature covers the
// session's transactions [0, Count).
type Checkpoint struct {
	Count     int
	Signature crypto.Signature
}

// CheckpointsInRange returns checkpoints with Count in (from, to],
// ascending. Used to serve partial session logs with verifiable
// boundaries.
func (s *Store) CheckpointsInRange(ctx context.Context, id coval.ID, session crypto.SessionID, from, to int) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_count, signature FROM signature_checkpoints
		WHERE covalue_id = ? AND session_id = ? AND tx_count > ? AND tx_count <= ?
		ORDER BY tx_count ASC
	`, string(id), string(session), from, to)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var sig string
		if err := rows.Scan(&cp.Count, &sig); err != nil {
			return nil, fmt.Errorf("read checkpoints: %w", err)
		}
		cp.Signature = crypto.Signature(sig)
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	return out, nil
}

// CoValueIDs lists every stored CoValue ID, sorted.
func (s *Store) CoValueIDs(ctx context.Context) ([]coval.ID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM covalues ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list covalues: %w", err)
	}
	defer rows.Close()

	var out []coval.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list covalues: %w", err)
		}
		out = append(out, coval.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list covalues: %w", err)
	}
	return out, nil
}

// SessionSummary is one session row, for inspection tooling.
type SessionSummary struct {
	Session       crypto.SessionID
	Count         int
	LastSignature crypto.Signature
}

// Sessions lists the session rows of one CoValue, sorted by session ID.
func (s *Store) Sessions(ctx context.Context, id coval.ID) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, tx_count, last_signature
		FROM sessions
		WHERE covalue_id = ?
		ORDER BY session_id ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var session, sig string
		if err := rows.Scan(&session, &sum.Count, &sig); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sum.Session = crypto.SessionID(session)
		sum.LastSignature = crypto.Signature(sig)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}
