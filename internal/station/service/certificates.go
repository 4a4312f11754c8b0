package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/certificate"
	"github.com/agenttrust/station/internal/reputation"
	"github.com/agenttrust/station/internal/station/model"
	"github.com/agenttrust/station/internal/station/repository"
)

// IssuedCertificate is the response payload of IssueCertificate.
type IssuedCertificate struct {
	Token     string    `json:"certificate"`
	JTI       uuid.UUID `json:"jti"`
	ExpiresAt time.Time `json:"expiresAt"`
	Score     int       `json:"score"`
}

// IssueCertificate recomputes the agent's score and signs a fresh
// clearance certificate for it. Suspended and banned agents are refused.
func (s *Station) IssueCertificate(ctx context.Context, developerID uuid.UUID, externalID string, scope []string) (*IssuedCertificate, error) {
	agent, err := s.getOwnedAgent(ctx, developerID, externalID)
	if err != nil {
		return nil, err
	}
	if agent.Status != model.AgentStatusActive {
		return nil, model.E(model.KindForbidden, "agent %q is %s", externalID, agent.Status)
	}

	score, err := s.recompute(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	issued, err := s.issuer.Issue(certificate.IssueInput{
		AgentID:          agent.ID,
		ExternalID:       agent.ExternalID,
		DeveloperID:      agent.DeveloperID,
		Score:            score,
		IdentityVerified: agent.IdentityVerified,
		Status:           string(agent.Status),
		TotalActions:     agent.TotalActions,
		SuccessRate:      successRateOf(agent),
		Scope:            scope,
	})
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "sign certificate")
	}

	rec := &model.CertificateRecord{
		JTI:       issued.JTI,
		AgentID:   agent.ID,
		Score:     score,
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
	}
	if err := s.certs.Create(ctx, rec); err != nil {
		return nil, model.Wrap(model.KindInternal, err, "persist certificate")
	}

	s.logger.Info("certificate issued",
		zap.String("agent_id", agent.ID.String()),
		zap.String("jti", issued.JTI.String()),
		zap.Int("score", score),
		zap.Time("expires_at", issued.ExpiresAt),
	)
	return &IssuedCertificate{
		Token:     issued.Token,
		JTI:       issued.JTI,
		ExpiresAt: issued.ExpiresAt,
		Score:     score,
	}, nil
}

// VerificationResult is the outcome of a remote certificate check.
type VerificationResult struct {
	Valid  bool                `json:"valid"`
	Reason string              `json:"reason,omitempty"`
	Claims *certificate.Claims `json:"claims,omitempty"`
}

// VerifyRemote validates a certificate against the signing key and the
// revocation record. Unlike gateway-local verification it knows about
// revocations issued after signing.
func (s *Station) VerifyRemote(ctx context.Context, token string) (*VerificationResult, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, certificate.ErrExpired):
			return &VerificationResult{Valid: false, Reason: "certificate expired"}, nil
		case errors.Is(err, certificate.ErrAgentDisabled):
			return &VerificationResult{Valid: false, Reason: "agent is not active"}, nil
		default:
			return &VerificationResult{Valid: false, Reason: "invalid certificate"}, nil
		}
	}

	jti, err := uuid.Parse(claims.ID)
	if err != nil {
		return &VerificationResult{Valid: false, Reason: "invalid certificate"}, nil
	}

	if s.revocation != nil {
		if revoked, known := s.revocation.IsRevoked(ctx, jti); known {
			if revoked {
				return &VerificationResult{Valid: false, Reason: "certificate revoked"}, nil
			}
			return &VerificationResult{Valid: true, Claims: claims}, nil
		}
	}

	rec, err := s.certs.GetByJTI(ctx, jti)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &VerificationResult{Valid: false, Reason: "unknown certificate"}, nil
		}
		return nil, model.Wrap(model.KindInternal, err, "lookup certificate")
	}
	if rec.Revoked {
		if s.revocation != nil {
			s.revocation.MarkRevoked(ctx, jti, time.Until(rec.ExpiresAt))
		}
		return &VerificationResult{Valid: false, Reason: "certificate revoked"}, nil
	}
	return &VerificationResult{Valid: true, Claims: claims}, nil
}

// RevokeCertificate marks a certificate revoked. Only the developer that
// owns the subject agent may revoke it. Revoking twice is a no-op.
func (s *Station) RevokeCertificate(ctx context.Context, developerID, jti uuid.UUID) error {
	rec, err := s.certs.GetByJTI(ctx, jti)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.E(model.KindNotFound, "certificate %s not found", jti)
		}
		return model.Wrap(model.KindInternal, err, "lookup certificate")
	}
	agent, err := s.agents.GetByID(ctx, rec.AgentID)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "lookup agent")
	}
	if agent.DeveloperID != developerID {
		return model.E(model.KindForbidden, "certificate belongs to another developer")
	}

	if err := s.certs.Revoke(ctx, jti); err != nil {
		return model.Wrap(model.KindInternal, err, "revoke certificate")
	}
	if s.revocation != nil {
		s.revocation.MarkRevoked(ctx, jti, time.Until(rec.ExpiresAt))
	}
	s.logger.Info("certificate revoked",
		zap.String("jti", jti.String()),
		zap.String("agent_id", rec.AgentID.String()),
	)
	return nil
}

// successRateOf mirrors the certificate claim semantics: nil until the
// agent has at least one recorded action.
func successRateOf(a *model.Agent) *float64 {
	return reputation.SuccessRate(a.SuccessfulActions, a.TotalActions)
}
