package auditledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists a ledger to PostgreSQL. The schema lives in
// migrations/ and is applied by cmd/migrate.
type PostgresStore struct {
	pool     *pgxpool.Pool
	ledgerID string
	lockKey  int64
	logger   *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, ledgerID string, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:     pool,
		ledgerID: ledgerID,
		lockKey:  advisoryLockKey(ledgerID),
		logger:   logger,
	}
}

// advisoryLockKey derives a stable per-ledger advisory lock key so that
// appends are serialised across every process writing the same ledger.
func advisoryLockKey(ledgerID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("auditledger:" + ledgerID))
	return int64(h.Sum64() >> 1)
}

// LoadState implements Store.
func (s *PostgresStore) LoadState(ctx context.Context) (*MerkleState, error) {
	state := &MerkleState{}
	err := s.pool.QueryRow(ctx,
		`SELECT root_hash, tree_size, last_updated FROM merkle_state WHERE ledger_id = $1`, s.ledgerID,
	).Scan(&state.RootHash, &state.TreeSize, &state.LastUpdated)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return state, nil
	case err != nil:
		return nil, fmt.Errorf("read merkle state: %w", err)
	}
	state.LastUpdated = state.LastUpdated.UTC()

	rows, err := s.pool.Query(ctx,
		`SELECT hash FROM merkle_leaves WHERE ledger_id = $1 ORDER BY idx ASC`, s.ledgerID)
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

// Append implements Store.
// It acquires a transaction-scoped advisory lock, checks that the stored tree
// size is the one this append extends, and writes leaf, head and record in a
// single transaction.
func (s *PostgresStore) Append(ctx context.Context, leaf string, head TreeHead, event *AuditEvent) error {
	record, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", s.lockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var stored int
	err = tx.QueryRow(ctx,
		`SELECT tree_size FROM merkle_state WHERE ledger_id = $1`, s.ledgerID,
	).Scan(&stored)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read tree size: %w", err)
	}
	if stored != head.TreeSize-1 {
		return fmt.Errorf("tree size %d does not extend stored size %d", head.TreeSize, stored)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO merkle_leaves (ledger_id, idx, hash) VALUES ($1, $2, $3)`,
		s.ledgerID, head.TreeSize-1, leaf,
	); err != nil {
		return fmt.Errorf("insert merkle leaf: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO merkle_state (ledger_id, root_hash, tree_size, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ledger_id) DO UPDATE SET
			root_hash = EXCLUDED.root_hash,
			tree_size = EXCLUDED.tree_size,
			last_updated = EXCLUDED.last_updated`,
		s.ledgerID, head.RootHash, head.TreeSize, head.LastUpdated,
	); err != nil {
		return fmt.Errorf("upsert merkle state: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_events (event_id, ledger_id, entity_id, event_type, actor_id, timestamp, expires_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.EventID, s.ledgerID, event.EntityID, string(event.EventType), event.ActorID,
		event.Timestamp, event.ExpiresAt(), record,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("postgres ledger append committed",
		zap.String("event_id", event.EventID),
		zap.Int("tree_size", head.TreeSize),
	)
	return nil
}

// GetEvent implements Store.
func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (*AuditEvent, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM audit_events WHERE ledger_id = $1 AND event_id = $2`, s.ledgerID, eventID,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %s: %w", eventID, err)
	}
	return decodeEvent(record)
}

// FindEvents implements Store.
func (s *PostgresStore) FindEvents(ctx context.Context, f Filter) ([]*AuditEvent, error) {
	where := []string{"ledger_id = $1"}
	args := []any{s.ledgerID}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if !f.StartTime.IsZero() {
		add("timestamp >= $%d", f.StartTime)
	}
	if !f.EndTime.IsZero() {
		add("timestamp <= $%d", f.EndTime)
	}

	query := "SELECT record FROM audit_events WHERE " + strings.Join(where, " AND ") +
		" ORDER BY timestamp DESC, event_id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e, err := decodeEvent(record)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExpired implements Store.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE ledger_id = $1 AND expires_at < $2`, s.ledgerID, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired audit events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
