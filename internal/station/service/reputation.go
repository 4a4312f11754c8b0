package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/reputation"
	"github.com/agenttrust/station/internal/station/model"
	"github.com/agenttrust/station/internal/station/repository"
)

// minVoucherScore is the cached score an agent needs before its
// endorsements count for anything.
const minVoucherScore = 60

// Vouch records an endorsement from voucher to vouched and recomputes
// the vouched agent's score. Both agents must belong to the developer.
func (s *Station) Vouch(ctx context.Context, developerID uuid.UUID, voucherExternalID, vouchedExternalID string, weight int) (*model.Vouch, error) {
	if weight < 1 || weight > 5 {
		return nil, model.E(model.KindBadRequest, "weight must be between 1 and 5")
	}
	if voucherExternalID == vouchedExternalID {
		return nil, model.E(model.KindBadRequest, "an agent cannot vouch for itself")
	}

	voucher, err := s.getOwnedAgent(ctx, developerID, voucherExternalID)
	if err != nil {
		return nil, err
	}
	vouched, err := s.getOwnedAgent(ctx, developerID, vouchedExternalID)
	if err != nil {
		return nil, err
	}
	if voucher.ReputationScore < minVoucherScore {
		return nil, model.E(model.KindForbidden, "voucher score %d below required %d", voucher.ReputationScore, minVoucherScore)
	}

	vouch := &model.Vouch{VoucherID: voucher.ID, VouchedID: vouched.ID, Weight: weight}
	if err := s.vouches.Create(ctx, vouch); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.E(model.KindConflict, "%q already vouched for %q", voucherExternalID, vouchedExternalID)
		}
		return nil, model.Wrap(model.KindInternal, err, "create vouch")
	}

	event := &model.ReputationEvent{
		AgentID:     vouched.ID,
		EventType:   string(reputation.EventVouchReceived),
		ScoreChange: 2,
	}
	if err := s.events.InsertEvent(ctx, event); err != nil {
		return nil, model.Wrap(model.KindInternal, err, "insert reputation event")
	}
	if _, err := s.recompute(ctx, vouched.ID); err != nil {
		return nil, err
	}

	s.logger.Info("vouch recorded",
		zap.String("voucher", voucher.ID.String()),
		zap.String("vouched", vouched.ID.String()),
		zap.Int("weight", weight),
	)
	return vouch, nil
}

// Unvouch removes an endorsement and recomputes the vouched agent.
func (s *Station) Unvouch(ctx context.Context, developerID uuid.UUID, voucherExternalID, vouchedExternalID string) error {
	voucher, err := s.getOwnedAgent(ctx, developerID, voucherExternalID)
	if err != nil {
		return err
	}
	vouched, err := s.getOwnedAgent(ctx, developerID, vouchedExternalID)
	if err != nil {
		return err
	}
	if err := s.vouches.Delete(ctx, voucher.ID, vouched.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.E(model.KindNotFound, "no vouch from %q to %q", voucherExternalID, vouchedExternalID)
		}
		return model.Wrap(model.KindInternal, err, "delete vouch")
	}
	if _, err := s.recompute(ctx, vouched.ID); err != nil {
		return err
	}
	return nil
}

// AddStake increases an agent's stake and recomputes its score.
func (s *Station) AddStake(ctx context.Context, developerID uuid.UUID, externalID string, amount float64) (int, error) {
	if amount <= 0 {
		return 0, model.E(model.KindBadRequest, "amount must be positive")
	}
	agent, err := s.getOwnedAgent(ctx, developerID, externalID)
	if err != nil {
		return 0, err
	}
	if err := s.agents.AddStake(ctx, agent.ID, amount); err != nil {
		return 0, model.Wrap(model.KindInternal, err, "add stake")
	}
	event := &model.ReputationEvent{
		AgentID:   agent.ID,
		EventType: string(reputation.EventStakeAdded),
	}
	if err := s.events.InsertEvent(ctx, event); err != nil {
		return 0, model.Wrap(model.KindInternal, err, "insert reputation event")
	}
	score, err := s.recompute(ctx, agent.ID)
	if err != nil {
		return 0, err
	}
	return score, nil
}

// ReputationDetail is the factor breakdown plus recent score history.
type ReputationDetail struct {
	AgentID    uuid.UUID                `json:"agentId"`
	ExternalID string                   `json:"externalId"`
	Breakdown  reputation.Breakdown     `json:"breakdown"`
	Events     []*model.ReputationEvent `json:"recentEvents"`
}

// ReputationBreakdown explains how the agent's current score is derived.
func (s *Station) ReputationBreakdown(ctx context.Context, developerID uuid.UUID, externalID string) (*ReputationDetail, error) {
	agent, err := s.getOwnedAgent(ctx, developerID, externalID)
	if err != nil {
		return nil, err
	}
	vouchCount, err := s.vouches.CountForAgent(ctx, agent.ID)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "count vouches")
	}
	events, err := s.events.ListEventsByAgent(ctx, agent.ID, 20)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list reputation events")
	}

	now := s.nowFn().UTC()
	breakdown := reputation.BreakdownAt(reputation.Inputs{
		IdentityVerified:  agent.IdentityVerified,
		StakeAmount:       agent.StakeAmount,
		VouchCount:        vouchCount,
		TotalActions:      agent.TotalActions,
		SuccessfulActions: agent.SuccessfulActions,
		FailedActions:     agent.FailedActions,
		CreatedAt:         agent.CreatedAt,
	}, now)

	return &ReputationDetail{
		AgentID:    agent.ID,
		ExternalID: agent.ExternalID,
		Breakdown:  breakdown,
		Events:     events,
	}, nil
}
