package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenttrust/station/internal/reputation"
	"github.com/agenttrust/station/internal/station/model"
)

// AgentRepository provides CRUD and counter operations for agents.
type AgentRepository struct {
	db *pgxpool.Pool
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `id, developer_id, external_id, display_name, identity_verified,
	stake_amount, total_actions, successful_actions, failed_actions,
	status, reputation_score, created_at, updated_at`

// Create inserts a new agent. (developer_id, external_id) is unique.
func (r *AgentRepository) Create(ctx context.Context, agent *model.Agent) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = model.AgentStatusActive
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		agent.ID, agent.DeveloperID, agent.ExternalID, agent.DisplayName,
		agent.IdentityVerified, agent.StakeAmount, agent.TotalActions,
		agent.SuccessfulActions, agent.FailedActions, agent.Status,
		agent.ReputationScore, agent.CreatedAt, agent.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetByID retrieves an agent by its internal UUID.
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	return r.scanOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

// GetByExternalID retrieves an agent by its (developer, externalId) pair.
func (r *AgentRepository) GetByExternalID(ctx context.Context, developerID uuid.UUID, externalID string) (*model.Agent, error) {
	return r.scanOne(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE developer_id = $1 AND external_id = $2`,
		developerID, externalID)
}

// ListByDeveloper returns all agents owned by a developer, newest first.
func (r *AgentRepository) ListByDeveloper(ctx context.Context, developerID uuid.UUID) ([]*model.Agent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE developer_id = $1 ORDER BY created_at DESC`,
		developerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// RecordOutcome atomically increments total_actions and exactly one of
// successful_actions / failed_actions, preserving the counter invariant
// under concurrent reports. Returns the updated row.
func (r *AgentRepository) RecordOutcome(ctx context.Context, id uuid.UUID, success bool) (*model.Agent, error) {
	column := "failed_actions"
	if success {
		column = "successful_actions"
	}
	query := fmt.Sprintf(`
		UPDATE agents SET
			total_actions = total_actions + 1,
			%s = %s + 1,
			updated_at = $2
		WHERE id = $1
		RETURNING `+agentColumns, column, column)

	rows, err := r.db.Query(ctx, query, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return r.scan(rows)
}

// AddStake adds a non-negative amount to the agent's stake.
func (r *AgentRepository) AddStake(ctx context.Context, id uuid.UUID, amount float64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET stake_amount = stake_amount + $2, updated_at = $3 WHERE id = $1`,
		id, amount, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecomputeScore locks the agent row, gathers the scoring inputs
// (including the live vouch count), applies calc, and writes the cached
// score back, all in one transaction. The row lock serialises
// recomputation per agent as required by the concurrency model.
func (r *AgentRepository) RecomputeScore(ctx context.Context, id uuid.UUID, calc func(reputation.Inputs) int) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var in reputation.Inputs
	err = tx.QueryRow(ctx, `
		SELECT identity_verified, stake_amount, total_actions,
		       successful_actions, failed_actions, created_at
		FROM agents WHERE id = $1 FOR UPDATE`, id,
	).Scan(&in.IdentityVerified, &in.StakeAmount, &in.TotalActions,
		&in.SuccessfulActions, &in.FailedActions, &in.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lock agent row: %w", err)
	}

	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM vouches WHERE vouched_id = $1`, id,
	).Scan(&in.VouchCount); err != nil {
		return 0, fmt.Errorf("count vouches: %w", err)
	}

	score := calc(in)
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET reputation_score = $2, updated_at = $3 WHERE id = $1`,
		id, score, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("write score: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit recompute: %w", err)
	}
	return score, nil
}

func (r *AgentRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Agent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return r.scan(rows)
}

func (r *AgentRepository) scan(rows pgx.Rows) (*model.Agent, error) {
	var a model.Agent
	err := rows.Scan(
		&a.ID, &a.DeveloperID, &a.ExternalID, &a.DisplayName,
		&a.IdentityVerified, &a.StakeAmount, &a.TotalActions,
		&a.SuccessfulActions, &a.FailedActions, &a.Status,
		&a.ReputationScore, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
