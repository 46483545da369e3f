package auditledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS merkle_state (
	ledger_id    TEXT PRIMARY KEY,
	root_hash    TEXT NOT NULL,
	tree_size    INTEGER NOT NULL,
	last_updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS merkle_leaves (
	ledger_id TEXT NOT NULL,
	idx       INTEGER NOT NULL,
	hash      TEXT NOT NULL,
	PRIMARY KEY (ledger_id, idx)
);
CREATE TABLE IF NOT EXISTS audit_events (
	event_id   TEXT PRIMARY KEY,
	ledger_id  TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	record     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_entity    ON audit_events(ledger_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(ledger_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_expires   ON audit_events(ledger_id, expires_at);
`

// SQLiteStore persists a ledger in a single SQLite file.
type SQLiteStore struct {
	db       *sql.DB
	ledgerID string
	logger   *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath, ledgerID string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// A single connection serialises writers; SQLite would otherwise return SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger tables: %w", err)
	}
	return &SQLiteStore{db: db, ledgerID: ledgerID, logger: logger}, nil
}

// LoadState implements Store.
func (s *SQLiteStore) LoadState(ctx context.Context) (*MerkleState, error) {
	state := &MerkleState{}

	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT root_hash, tree_size, last_updated FROM merkle_state WHERE ledger_id = ?`, s.ledgerID,
	).Scan(&state.RootHash, &state.TreeSize, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return state, nil
	case err != nil:
		return nil, fmt.Errorf("read merkle state: %w", err)
	}
	if state.LastUpdated, err = time.Parse(timestampLayout, updated); err != nil {
		return nil, fmt.Errorf("parse merkle state timestamp: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM merkle_leaves WHERE ledger_id = ? ORDER BY idx ASC`, s.ledgerID)
	if err != nil {
		return nil, fmt.Errorf("read merkle leaves: %w", err)
	}
	defer rows.Close()
	state.Leaves = make([]string, 0, state.TreeSize)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan merkle leaf: %w", err)
		}
		state.Leaves = append(state.Leaves, h)
	}
	return state, rows.Err()
}

// Append implements Store. Leaf, head and record are written in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, leaf string, head TreeHead, event *AuditEvent) error {
	record, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merkle_leaves (ledger_id, idx, hash) VALUES (?, ?, ?)`,
		s.ledgerID, head.TreeSize-1, leaf,
	); err != nil {
		return fmt.Errorf("insert merkle leaf: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merkle_state (ledger_id, root_hash, tree_size, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ledger_id) DO UPDATE SET
			root_hash = excluded.root_hash,
			tree_size = excluded.tree_size,
			last_updated = excluded.last_updated`,
		s.ledgerID, head.RootHash, head.TreeSize, formatTimestamp(head.LastUpdated),
	); err != nil {
		return fmt.Errorf("upsert merkle state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, ledger_id, entity_id, event_type, actor_id, timestamp, expires_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, s.ledgerID, event.EntityID, string(event.EventType), event.ActorID,
		formatTimestamp(event.Timestamp), formatTimestamp(event.ExpiresAt()), string(record),
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	s.logger.Debug("sqlite ledger append committed",
		zap.String("event_id", event.EventID),
		zap.Int("tree_size", head.TreeSize),
	)
	return nil
}

// GetEvent implements Store.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*AuditEvent, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM audit_events WHERE ledger_id = ? AND event_id = ?`, s.ledgerID, eventID,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %s: %w", eventID, err)
	}
	return decodeEvent([]byte(record))
}

// FindEvents implements Store.
func (s *SQLiteStore) FindEvents(ctx context.Context, f Filter) ([]*AuditEvent, error) {
	where := []string{"ledger_id = ?"}
	args := []any{s.ledgerID}

	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if !f.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTimestamp(f.StartTime))
	}
	if !f.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTimestamp(f.EndTime))
	}

	query := "SELECT record FROM audit_events WHERE " + strings.Join(where, " AND ") +
		" ORDER BY timestamp DESC, event_id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e, err := decodeEvent([]byte(record))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExpired implements Store.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE ledger_id = ? AND expires_at < ?`,
		s.ledgerID, formatTimestamp(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired audit events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
