package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/station/model"
)

// ReportSink receives observed actions for forwarding to the station.
// Dispatch must never block the request path.
type ReportSink interface {
	Dispatch(agentID, certJTI uuid.UUID, action model.ReportedAction)
}

// Reporter posts single-action batch reports to the station,
// fire-and-forget. Failures are logged and dropped; the agent's response
// is never affected.
type Reporter struct {
	stationURL string
	apiKey     string
	gatewayID  string
	client     *http.Client
	logger     *zap.Logger
}

// NewReporter creates a Reporter authenticated by the developer API key.
func NewReporter(stationURL, apiKey, gatewayID string, logger *zap.Logger) *Reporter {
	return &Reporter{
		stationURL: stationURL,
		apiKey:     apiKey,
		gatewayID:  gatewayID,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Dispatch implements ReportSink. The submission runs on its own
// goroutine with its own deadline, detached from the request context.
func (r *Reporter) Dispatch(agentID, certJTI uuid.UUID, action model.ReportedAction) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.send(ctx, agentID, certJTI, action); err != nil {
			r.logger.Warn("report dispatch failed",
				zap.String("agent_id", agentID.String()),
				zap.String("action_type", action.ActionType),
				zap.Error(err),
			)
		}
	}()
}

func (r *Reporter) send(ctx context.Context, agentID, certJTI uuid.UUID, action model.ReportedAction) error {
	body, err := json.Marshal(map[string]any{
		"agentId":        agentID,
		"gatewayId":      r.gatewayID,
		"certificateJti": certJTI,
		"actions":        []model.ReportedAction{action},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.stationURL+"/reports", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		return fmt.Errorf("station returned %d", resp.StatusCode)
	}
	return nil
}
