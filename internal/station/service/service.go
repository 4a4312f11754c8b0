// Package service implements the station's trust-verification core:
// developer and agent registration, certificate issuance, remote
// verification, report ingestion, and reputation mutations.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/agenttrust/station/internal/auditlog"
	"github.com/agenttrust/station/internal/certificate"
	"github.com/agenttrust/station/internal/reputation"
	"github.com/agenttrust/station/internal/station/model"
	"github.com/agenttrust/station/internal/station/repository"
)

// apiKeyPrefixLen is the length of the plaintext lookup prefix inside an
// API key. The prefix is indexed; the secret half is only ever stored as
// a bcrypt hash.
const apiKeyPrefixLen = 8

// developerRepo is the persistence interface for developers.
// *repository.DeveloperRepository satisfies this interface.
type developerRepo interface {
	Create(ctx context.Context, dev *model.Developer) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Developer, error)
	GetByAPIKeyPrefix(ctx context.Context, prefix string) (*model.Developer, error)
}

// agentRepo is the persistence interface for agents.
// *repository.AgentRepository satisfies this interface.
type agentRepo interface {
	Create(ctx context.Context, agent *model.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	GetByExternalID(ctx context.Context, developerID uuid.UUID, externalID string) (*model.Agent, error)
	ListByDeveloper(ctx context.Context, developerID uuid.UUID) ([]*model.Agent, error)
	RecordOutcome(ctx context.Context, id uuid.UUID, success bool) (*model.Agent, error)
	AddStake(ctx context.Context, id uuid.UUID, amount float64) error
	RecomputeScore(ctx context.Context, id uuid.UUID, calc func(reputation.Inputs) int) (int, error)
}

// certRepo is the persistence interface for certificate records.
type certRepo interface {
	Create(ctx context.Context, rec *model.CertificateRecord) error
	GetByJTI(ctx context.Context, jti uuid.UUID) (*model.CertificateRecord, error)
	Revoke(ctx context.Context, jti uuid.UUID) error
}

// vouchRepo is the persistence interface for vouch edges.
type vouchRepo interface {
	Create(ctx context.Context, v *model.Vouch) error
	Delete(ctx context.Context, voucherID, vouchedID uuid.UUID) error
	CountForAgent(ctx context.Context, vouchedID uuid.UUID) (int, error)
}

// eventRepo is the persistence interface for reputation events and
// gateway report rows.
type eventRepo interface {
	InsertEvent(ctx context.Context, e *model.ReputationEvent) error
	ListEventsByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*model.ReputationEvent, error)
	InsertGatewayReport(ctx context.Context, g *model.GatewayReport) error
}

// RevocationCache is an optional fast path for revocation checks on the
// remote verification endpoint. *cache.RedisCache satisfies it.
type RevocationCache interface {
	IsRevoked(ctx context.Context, jti uuid.UUID) (revoked, known bool)
	MarkRevoked(ctx context.Context, jti uuid.UUID, ttl time.Duration)
}

// Station is the trust-verification core service.
type Station struct {
	developers developerRepo
	agents     agentRepo
	certs      certRepo
	vouches    vouchRepo
	events     eventRepo
	audit      auditlog.Log
	issuer     *certificate.Issuer
	verifier   *certificate.Verifier
	revocation RevocationCache // nil = always hit the database
	logger     *zap.Logger
	nowFn      func() time.Time
}

// New creates a Station service.
func New(
	developers developerRepo,
	agents agentRepo,
	certs certRepo,
	vouches vouchRepo,
	events eventRepo,
	audit auditlog.Log,
	issuer *certificate.Issuer,
	logger *zap.Logger,
) *Station {
	return &Station{
		developers: developers,
		agents:     agents,
		certs:      certs,
		vouches:    vouches,
		events:     events,
		audit:      audit,
		issuer:     issuer,
		verifier:   certificate.NewVerifier(certificate.StaticKey{Key: issuer.PublicKey()}),
		logger:     logger,
		nowFn:      time.Now,
	}
}

// SetRevocationCache configures the optional revocation fast path.
func (s *Station) SetRevocationCache(c RevocationCache) { s.revocation = c }

// Issuer exposes the certificate issuer for key distribution endpoints.
func (s *Station) Issuer() *certificate.Issuer { return s.issuer }

// ── developers ────────────────────────────────────────────────────────────

// RegisteredDeveloper is the result of RegisterDeveloper. APIKey holds
// the plaintext credential and is returned exactly once.
type RegisteredDeveloper struct {
	Developer *model.Developer
	APIKey    string
}

// RegisterDeveloper creates a developer and mints its API key.
func (s *Station) RegisterDeveloper(ctx context.Context, name, email string) (*RegisteredDeveloper, error) {
	if strings.TrimSpace(name) == "" {
		return nil, model.E(model.KindBadRequest, "developer name is required")
	}

	prefix, secret, err := generateAPIKeyParts()
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "generate api key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "hash api key")
	}

	dev := &model.Developer{
		Name:         strings.TrimSpace(name),
		Email:        strings.TrimSpace(email),
		APIKeyPrefix: prefix,
		APIKeyHash:   string(hash),
	}
	if err := s.developers.Create(ctx, dev); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.E(model.KindConflict, "developer already registered")
		}
		return nil, model.Wrap(model.KindInternal, err, "create developer")
	}

	s.logger.Info("developer registered",
		zap.String("developer_id", dev.ID.String()),
		zap.String("key_prefix", prefix),
	)
	return &RegisteredDeveloper{
		Developer: dev,
		APIKey:    "ats_" + prefix + "_" + secret,
	}, nil
}

// AuthenticateAPIKey resolves a plaintext API key to its developer.
// Lookup is by indexed prefix, then a single bcrypt comparison; never a
// table scan.
func (s *Station) AuthenticateAPIKey(ctx context.Context, key string) (*model.Developer, error) {
	prefix, secret, ok := splitAPIKey(key)
	if !ok {
		return nil, model.E(model.KindUnauthenticated, "malformed api key")
	}
	dev, err := s.developers.GetByAPIKeyPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.E(model.KindUnauthenticated, "unknown api key")
		}
		return nil, model.Wrap(model.KindInternal, err, "lookup api key")
	}
	if bcrypt.CompareHashAndPassword([]byte(dev.APIKeyHash), []byte(secret)) != nil {
		return nil, model.E(model.KindUnauthenticated, "invalid api key")
	}
	return dev, nil
}

// generateAPIKeyParts returns the lookup prefix and the secret half of a
// fresh API key.
func generateAPIKeyParts() (prefix, secret string, err error) {
	buf := make([]byte, apiKeyPrefixLen/2+16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	hexed := hex.EncodeToString(buf)
	return hexed[:apiKeyPrefixLen], hexed[apiKeyPrefixLen:], nil
}

// splitAPIKey parses "ats_<prefix>_<secret>".
func splitAPIKey(key string) (prefix, secret string, ok bool) {
	parts := strings.Split(key, "_")
	if len(parts) != 3 || parts[0] != "ats" || len(parts[1]) != apiKeyPrefixLen || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// ── agents ────────────────────────────────────────────────────────────────

// RegisterAgent creates an agent under the developer and computes its
// initial score.
func (s *Station) RegisterAgent(ctx context.Context, developerID uuid.UUID, externalID, displayName string) (*model.Agent, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, model.E(model.KindBadRequest, "externalId is required")
	}

	agent := &model.Agent{
		DeveloperID: developerID,
		ExternalID:  externalID,
		DisplayName: displayName,
		Status:      model.AgentStatusActive,
	}
	agent.ReputationScore = reputation.CalculateAt(reputation.Inputs{CreatedAt: s.nowFn().UTC()}, s.nowFn().UTC())

	if err := s.agents.Create(ctx, agent); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.E(model.KindConflict, "agent %q already registered", externalID)
		}
		return nil, model.Wrap(model.KindInternal, err, "create agent")
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("external_id", externalID),
		zap.Int("score", agent.ReputationScore),
	)
	return agent, nil
}

// ListAgents returns the developer's agents with cached scores.
func (s *Station) ListAgents(ctx context.Context, developerID uuid.UUID) ([]*model.Agent, error) {
	agents, err := s.agents.ListByDeveloper(ctx, developerID)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list agents")
	}
	return agents, nil
}

// getOwnedAgent resolves an agent by external ID within the developer's
// namespace, translating repository errors to the taxonomy.
func (s *Station) getOwnedAgent(ctx context.Context, developerID uuid.UUID, externalID string) (*model.Agent, error) {
	agent, err := s.agents.GetByExternalID(ctx, developerID, externalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.E(model.KindNotFound, "agent %q not found", externalID)
		}
		return nil, model.Wrap(model.KindInternal, err, "lookup agent")
	}
	return agent, nil
}

// recompute re-evaluates the agent's score and writes it back.
func (s *Station) recompute(ctx context.Context, agentID uuid.UUID) (int, error) {
	now := s.nowFn().UTC()
	score, err := s.agents.RecomputeScore(ctx, agentID, func(in reputation.Inputs) int {
		return reputation.CalculateAt(in, now)
	})
	if err != nil {
		return 0, model.Wrap(model.KindInternal, err, "recompute score")
	}
	return score, nil
}
