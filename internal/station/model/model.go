// Package model holds the station's persisted domain types and the wire
// error taxonomy shared by handlers.
package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of a registered agent.
// Status changes are driven by operators; the trust core only reads it.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSuspended AgentStatus = "suspended"
	AgentStatusBanned    AgentStatus = "banned"
)

// Developer is the principal that owns agents. The API key secret is
// stored as a bcrypt hash; the plaintext is returned exactly once at
// registration.
type Developer struct {
	ID           uuid.UUID `json:"id"              db:"id"`
	Name         string    `json:"name"            db:"name"`
	Email        string    `json:"email"           db:"email"`
	APIKeyPrefix string    `json:"-"               db:"api_key_prefix"`
	APIKeyHash   string    `json:"-"               db:"api_key_hash"`
	CreatedAt    time.Time `json:"created_at"      db:"created_at"`
}

// Agent is a registered autonomous agent. The (DeveloperID, ExternalID)
// pair is unique; counters are monotone non-decreasing and satisfy
// successful + failed ≤ total.
type Agent struct {
	ID                uuid.UUID   `json:"id"                 db:"id"`
	DeveloperID       uuid.UUID   `json:"developer_id"       db:"developer_id"`
	ExternalID        string      `json:"external_id"        db:"external_id"`
	DisplayName       string      `json:"display_name"       db:"display_name"`
	IdentityVerified  bool        `json:"identity_verified"  db:"identity_verified"`
	StakeAmount       float64     `json:"stake_amount"       db:"stake_amount"`
	TotalActions      int         `json:"total_actions"      db:"total_actions"`
	SuccessfulActions int         `json:"successful_actions" db:"successful_actions"`
	FailedActions     int         `json:"failed_actions"     db:"failed_actions"`
	Status            AgentStatus `json:"status"             db:"status"`
	ReputationScore   int         `json:"reputation_score"   db:"reputation_score"`
	CreatedAt         time.Time   `json:"created_at"         db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"         db:"updated_at"`
}

// Vouch is a directed endorsement edge between agents, unique per ordered
// pair. Weight is 1–5. Creation requires the voucher's cached score ≥ 60.
type Vouch struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	VoucherID uuid.UUID `json:"voucher_id" db:"voucher_id"`
	VouchedID uuid.UUID `json:"vouched_id" db:"vouched_id"`
	Weight    int       `json:"weight"     db:"weight"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CertificateRecord is the persisted row for an issued certificate,
// keyed by jti. Revoked transitions false→true only.
type CertificateRecord struct {
	JTI       uuid.UUID `json:"jti"        db:"jti"`
	AgentID   uuid.UUID `json:"agent_id"   db:"agent_id"`
	Score     int       `json:"score"      db:"score"`
	IssuedAt  time.Time `json:"issued_at"  db:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Revoked   bool      `json:"revoked"    db:"revoked"`
}

// Decision taken on a verification or report event.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// ReputationEvent is one append-only entry in an agent's score history.
type ReputationEvent struct {
	ID          uuid.UUID `json:"id"           db:"id"`
	AgentID     uuid.UUID `json:"agent_id"     db:"agent_id"`
	EventType   string    `json:"event_type"   db:"event_type"`
	ScoreChange int       `json:"score_change" db:"score_change"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// GatewayReport is the persisted summary row for one ingested batch
// report from a gateway.
type GatewayReport struct {
	ID           uuid.UUID `json:"id"            db:"id"`
	AgentID      uuid.UUID `json:"agent_id"      db:"agent_id"`
	GatewayID    string    `json:"gateway_id"    db:"gateway_id"`
	CertJTI      uuid.UUID `json:"cert_jti"      db:"cert_jti"`
	ActionCount  int       `json:"action_count"  db:"action_count"`
	SuccessCount int       `json:"success_count" db:"success_count"`
	FailureCount int       `json:"failure_count" db:"failure_count"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
}

// ReportedAction is one action item inside a gateway batch report.
type ReportedAction struct {
	ActionType  string         `json:"actionType"`
	Outcome     string         `json:"outcome"` // "success" or "failure"
	Metadata    map[string]any `json:"metadata,omitempty"`
	PerformedAt time.Time      `json:"performedAt"`
}
