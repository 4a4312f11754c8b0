package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent Append calls across all station
// instances sharing one database. The value is arbitrary but fixed.
const advisoryLockKey = int64(7_731_442_810)

// PostgresLog persists the hash chain to PostgreSQL.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given pool.
// The action_log table must contain its genesis row (seeded by migration).
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Append implements Log. It takes a transaction-scoped advisory lock,
// reads the chain tail, computes the new entry hash, and inserts it.
func (l *PostgresLog) Append(ctx context.Context, agentID uuid.UUID, actionType, decision, reason string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM action_log ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read action log tail: %w", err)
	}

	entry := &Entry{
		ID:         uuid.New(),
		Index:      prevIdx + 1,
		Timestamp:  time.Now().UTC(),
		AgentID:    agentID,
		ActionType: actionType,
		Decision:   decision,
		Reason:     reason,
		DataHash:   sha256Sum(payloadJSON),
		PrevHash:   prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO action_log (id, idx, timestamp, agent_id, action_type, decision, reason, metadata, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.Index, entry.Timestamp, entry.AgentID, entry.ActionType,
		entry.Decision, entry.Reason, payloadJSON,
		entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert action log entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit action log tx: %w", err)
	}

	l.logger.Debug("action log entry appended",
		zap.Int("idx", entry.Index),
		zap.String("action_type", entry.ActionType),
		zap.String("decision", entry.Decision),
	)
	return entry, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	if err := l.pool.QueryRow(ctx,
		`SELECT id, idx, timestamp, agent_id, action_type, decision, reason, data_hash, prev_hash, hash
		 FROM action_log WHERE idx = $1`, index,
	).Scan(
		&entry.ID, &entry.Index, &entry.Timestamp, &entry.AgentID, &entry.ActionType,
		&entry.Decision, &entry.Reason, &entry.DataHash, &entry.PrevHash, &entry.Hash,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("index %d: %w", index, ErrEntryNotFound)
		}
		return nil, fmt.Errorf("get action log entry %d: %w", index, err)
	}
	return entry, nil
}

// GetByID implements Log.
func (l *PostgresLog) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	entry := &Entry{}
	if err := l.pool.QueryRow(ctx,
		`SELECT id, idx, timestamp, agent_id, action_type, decision, reason, data_hash, prev_hash, hash
		 FROM action_log WHERE id = $1`, id,
	).Scan(
		&entry.ID, &entry.Index, &entry.Timestamp, &entry.AgentID, &entry.ActionType,
		&entry.Decision, &entry.Reason, &entry.DataHash, &entry.PrevHash, &entry.Hash,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
		}
		return nil, fmt.Errorf("get audit entry %s: %w", id, err)
	}
	return entry, nil
}

// ListByAgent implements Log.
func (l *PostgresLog) ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, idx, timestamp, agent_id, action_type, decision, reason, data_hash, prev_hash, hash
		 FROM action_log WHERE agent_id = $1 ORDER BY idx DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(
			&entry.ID, &entry.Index, &entry.Timestamp, &entry.AgentID, &entry.ActionType,
			&entry.Decision, &entry.Reason, &entry.DataHash, &entry.PrevHash, &entry.Hash,
		); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM action_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count action log entries: %w", err)
	}
	return n, nil
}

// Verify implements Log. It streams all rows ordered by idx and validates
// every hash link from genesis to tail.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT id, idx, timestamp, agent_id, action_type, decision, reason, data_hash, prev_hash, hash
		 FROM action_log ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("stream action log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(
			&entry.ID, &entry.Index, &entry.Timestamp, &entry.AgentID, &entry.ActionType,
			&entry.Decision, &entry.Reason, &entry.DataHash, &entry.PrevHash, &entry.Hash,
		); err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return verifyEntries(entries)
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM action_log ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("read action log root: %w", err)
	}
	return hash, nil
}
