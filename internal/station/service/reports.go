package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/auditlog"
	"github.com/agenttrust/station/internal/reputation"
	"github.com/agenttrust/station/internal/station/model"
	"github.com/agenttrust/station/internal/station/repository"
)

// VerifyActionInput is the pre-action check request. Threshold is
// optional; when nil any active agent passes.
type VerifyActionInput struct {
	AgentID    string         `json:"agentId" binding:"required"`
	ActionType string         `json:"actionType" binding:"required"`
	Threshold  *int           `json:"threshold,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// VerifyActionResult carries the decision plus the action-log entry ID
// the caller must quote back on /report.
type VerifyActionResult struct {
	Allowed  bool      `json:"allowed"`
	Score    int       `json:"score"`
	Reason   string    `json:"reason,omitempty"`
	ActionID uuid.UUID `json:"actionId"`
}

// PreVerifyAction checks whether the agent clears the caller's trust bar
// for one action. Every check, allowed or denied, lands in the
// hash-chained action log; the entry ID is the actionId for the
// follow-up outcome report.
func (s *Station) PreVerifyAction(ctx context.Context, developerID uuid.UUID, in VerifyActionInput) (*VerifyActionResult, error) {
	agent, err := s.getOwnedAgent(ctx, developerID, in.AgentID)
	if err != nil {
		return nil, err
	}

	allowed := true
	reason := ""
	switch {
	case agent.Status != model.AgentStatusActive:
		allowed = false
		reason = fmt.Sprintf("agent is %s", agent.Status)
	case in.Threshold != nil && agent.ReputationScore < *in.Threshold:
		allowed = false
		reason = fmt.Sprintf("score %d below threshold %d", agent.ReputationScore, *in.Threshold)
	}

	decision := model.DecisionAllowed
	if !allowed {
		decision = model.DecisionDenied
	}
	entry, err := s.audit.Append(ctx, agent.ID, in.ActionType, string(decision), reason, in.Context)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "append action log")
	}

	return &VerifyActionResult{
		Allowed:  allowed,
		Score:    agent.ReputationScore,
		Reason:   reason,
		ActionID: entry.ID,
	}, nil
}

// OutcomeResult is the response to a post-action outcome report.
type OutcomeResult struct {
	AgentID            uuid.UUID `json:"agentId"`
	Outcome            string    `json:"outcome"`
	NewReputationScore int       `json:"newReputationScore"`
}

// ReportOutcome records the result of a previously verified action and
// re-derives the agent's score.
func (s *Station) ReportOutcome(ctx context.Context, developerID, actionID uuid.UUID, outcome string) (*OutcomeResult, error) {
	success, err := parseOutcome(outcome)
	if err != nil {
		return nil, err
	}

	entry, err := s.audit.GetByID(ctx, actionID)
	if err != nil {
		if errors.Is(err, auditlog.ErrEntryNotFound) {
			return nil, model.E(model.KindNotFound, "action %s not found", actionID)
		}
		return nil, model.Wrap(model.KindInternal, err, "lookup action")
	}
	agent, err := s.agents.GetByID(ctx, entry.AgentID)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "lookup agent")
	}
	if agent.DeveloperID != developerID {
		return nil, model.E(model.KindForbidden, "action belongs to another developer")
	}

	if _, err := s.agents.RecordOutcome(ctx, agent.ID, success); err != nil {
		return nil, model.Wrap(model.KindInternal, err, "record outcome")
	}
	if err := s.insertOutcomeEvent(ctx, agent.ID, success); err != nil {
		return nil, err
	}
	score, err := s.recompute(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	return &OutcomeResult{AgentID: agent.ID, Outcome: outcome, NewReputationScore: score}, nil
}

// GatewayReportInput is the batch report a gateway posts after serving
// an agent's session.
type GatewayReportInput struct {
	AgentID        uuid.UUID              `json:"agentId" binding:"required"`
	GatewayID      string                 `json:"gatewayId" binding:"required"`
	CertificateJTI uuid.UUID              `json:"certificateJti" binding:"required"`
	Actions        []model.ReportedAction `json:"actions"`
}

// GatewayReportSummary is returned after a batch is fully ingested.
type GatewayReportSummary struct {
	AgentID            uuid.UUID `json:"agentId"`
	ActionsProcessed   int       `json:"actionsProcessed"`
	SuccessCount       int       `json:"successCount"`
	FailureCount       int       `json:"failureCount"`
	NewReputationScore int       `json:"newReputationScore"`
}

// IngestGatewayReport folds a gateway's observed actions into the
// agent's history: action-log entries, outcome counters, and reputation
// events per item, then one gateway-report row and a single recompute.
func (s *Station) IngestGatewayReport(ctx context.Context, developerID uuid.UUID, in GatewayReportInput) (*GatewayReportSummary, error) {
	agent, err := s.agents.GetByID(ctx, in.AgentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.E(model.KindNotFound, "agent %s not found", in.AgentID)
		}
		return nil, model.Wrap(model.KindInternal, err, "lookup agent")
	}
	if agent.DeveloperID != developerID {
		return nil, model.E(model.KindForbidden, "agent belongs to another developer")
	}
	cert, err := s.certs.GetByJTI(ctx, in.CertificateJTI)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.E(model.KindBadRequest, "unknown certificate %s", in.CertificateJTI)
		}
		return nil, model.Wrap(model.KindInternal, err, "lookup certificate")
	}
	if cert.AgentID != agent.ID {
		return nil, model.E(model.KindBadRequest, "certificate %s was not issued to agent %s", in.CertificateJTI, in.AgentID)
	}
	for i, action := range in.Actions {
		if _, err := parseOutcome(action.Outcome); err != nil {
			return nil, model.E(model.KindBadRequest, "actions[%d]: outcome must be success or failure", i)
		}
	}

	var successes, failures int
	reason := "reported by gateway " + in.GatewayID
	for _, action := range in.Actions {
		success := action.Outcome == "success"
		if success {
			successes++
		} else {
			failures++
		}
		if _, err := s.audit.Append(ctx, agent.ID, action.ActionType, string(model.DecisionAllowed), reason, action.Metadata); err != nil {
			return nil, model.Wrap(model.KindInternal, err, "append action log")
		}
		if _, err := s.agents.RecordOutcome(ctx, agent.ID, success); err != nil {
			return nil, model.Wrap(model.KindInternal, err, "record outcome")
		}
		if err := s.insertOutcomeEvent(ctx, agent.ID, success); err != nil {
			return nil, err
		}
	}

	report := &model.GatewayReport{
		AgentID:      agent.ID,
		GatewayID:    in.GatewayID,
		CertJTI:      in.CertificateJTI,
		ActionCount:  len(in.Actions),
		SuccessCount: successes,
		FailureCount: failures,
	}
	if err := s.events.InsertGatewayReport(ctx, report); err != nil {
		return nil, model.Wrap(model.KindInternal, err, "persist gateway report")
	}
	score, err := s.recompute(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("gateway report ingested",
		zap.String("agent_id", agent.ID.String()),
		zap.String("gateway_id", in.GatewayID),
		zap.Int("actions", len(in.Actions)),
		zap.Int("new_score", score),
	)
	return &GatewayReportSummary{
		AgentID:            agent.ID,
		ActionsProcessed:   len(in.Actions),
		SuccessCount:       successes,
		FailureCount:       failures,
		NewReputationScore: score,
	}, nil
}

func (s *Station) insertOutcomeEvent(ctx context.Context, agentID uuid.UUID, success bool) error {
	event := &model.ReputationEvent{AgentID: agentID}
	if success {
		event.EventType = string(reputation.EventSuccess)
		event.ScoreChange = reputation.DeltaSuccess
	} else {
		event.EventType = string(reputation.EventFailure)
		event.ScoreChange = reputation.DeltaFailure
	}
	if err := s.events.InsertEvent(ctx, event); err != nil {
		return model.Wrap(model.KindInternal, err, "insert reputation event")
	}
	return nil
}

func parseOutcome(outcome string) (success bool, err error) {
	switch outcome {
	case "success":
		return true, nil
	case "failure":
		return false, nil
	default:
		return false, model.E(model.KindBadRequest, "outcome must be success or failure")
	}
}
