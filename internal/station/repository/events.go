package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenttrust/station/internal/station/model"
)

// EventRepository persists the append-only reputation event log and the
// per-batch gateway report rows.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// InsertEvent appends one reputation event.
func (r *EventRepository) InsertEvent(ctx context.Context, e *model.ReputationEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO reputation_events (id, agent_id, event_type, score_change, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.AgentID, e.EventType, e.ScoreChange, e.CreatedAt,
	)
	return err
}

// ListEventsByAgent returns an agent's newest reputation events.
func (r *EventRepository) ListEventsByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*model.ReputationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, agent_id, event_type, score_change, created_at
		FROM reputation_events WHERE agent_id = $1
		ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.ReputationEvent
	for rows.Next() {
		var e model.ReputationEvent
		if err := rows.Scan(&e.ID, &e.AgentID, &e.EventType, &e.ScoreChange, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// InsertGatewayReport appends the summary row for one ingested batch.
func (r *EventRepository) InsertGatewayReport(ctx context.Context, g *model.GatewayReport) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO gateway_reports (id, agent_id, gateway_id, cert_jti, action_count, success_count, failure_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.AgentID, g.GatewayID, g.CertJTI, g.ActionCount, g.SuccessCount, g.FailureCount, g.CreatedAt,
	)
	return err
}
