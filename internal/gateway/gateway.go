// Package gateway is the enforcement point embedded in a relying
// service: it verifies clearance certificates locally, gates actions on
// score and scope, runs live behavioral analysis, and reports what it
// saw back to the trust station.
package gateway

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/certificate"
	"github.com/agenttrust/station/internal/gateway/behavior"
	"github.com/agenttrust/station/internal/gateway/mlthreat"
	"github.com/agenttrust/station/internal/gateway/registry"
	"github.com/agenttrust/station/internal/station/model"
)

// Config tunes a Gateway instance.
type Config struct {
	GatewayID string
	Behavior  behavior.Config
}

// Gateway wires certificate verification, the action registry, and the
// behavior tracker into one request pipeline.
type Gateway struct {
	cfg      Config
	actions  *registry.Registry
	verifier *certificate.Verifier
	tracker  *behavior.Tracker
	analyzer mlthreat.Analyzer // nil = ML check skipped
	reports  ReportSink        // nil = reporting disabled
	logger   *zap.Logger
}

// New creates a Gateway verifying certificates against keys. The key
// provider is typically a keycache.Cache; its startup fetch has already
// failed closed by the time New is called.
func New(cfg Config, actions *registry.Registry, keys certificate.KeyProvider, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		actions:  actions,
		verifier: certificate.NewVerifier(keys),
		tracker:  behavior.NewTracker(cfg.Behavior, logger),
		logger:   logger,
	}
}

// SetAnalyzer configures the optional pre-execution threat analyzer.
func (g *Gateway) SetAnalyzer(a mlthreat.Analyzer) { g.analyzer = a }

// SetReporter configures station report dispatch.
func (g *Gateway) SetReporter(s ReportSink) { g.reports = s }

// Tracker exposes the behavior tracker for sweeper lifecycle management.
func (g *Gateway) Tracker() *behavior.Tracker { return g.tracker }

// Register mounts the gateway routes on rg.
func (g *Gateway) Register(rg *gin.RouterGroup) {
	rg.GET("/.well-known/agent-gateway", g.Discovery)
	rg.GET("/actions", g.ListActions)
	rg.POST("/actions/:name", g.ExecuteAction)
	rg.GET("/behavior/sessions", g.BehaviorSessions)
}

// Discovery handles GET /.well-known/agent-gateway.
func (g *Gateway) Discovery(c *gin.Context) {
	features := []string{"certificate-verification", "behavior-tracking"}
	if g.analyzer != nil {
		features = append(features, "ml-threat-analysis")
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"gatewayId": g.cfg.GatewayID,
			"actions":   g.actions.List(),
			"features":  features,
		},
	})
}

// ListActions handles GET /actions.
func (g *Gateway) ListActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"actions": g.actions.List()}})
}

// BehaviorSessions handles GET /behavior/sessions.
func (g *Gateway) BehaviorSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"sessions": g.tracker.Sessions()}})
}

// ExecuteAction handles POST /actions/{name}: the full verification,
// behavior, execution, and reporting pipeline for one agent action.
func (g *Gateway) ExecuteAction(c *gin.Context) {
	name := c.Param("name")

	// credential extraction
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Missing credential"})
		return
	}

	// local certificate verification
	claims, err := g.verifier.Verify(token)
	if err != nil {
		status, msg := verifyFailure(err)
		c.JSON(status, gin.H{"success": false, "error": msg})
		return
	}
	agentID := claims.Subject
	certJTI, _ := uuid.Parse(claims.ID)

	// live-block check: no handler runs for a blocked session
	if g.tracker.IsBlocked(agentID) {
		recordActionDecision(name, "behavioral_block")
		g.dispatch(claims, certJTI, name, "failure", map[string]any{
			"decision": "behavioral_block",
		})
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "Session blocked due to behavioral violations",
		})
		return
	}

	var body struct {
		Params map[string]any `json:"params"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	params := body.Params
	if params == nil {
		params = map[string]any{}
	}

	// action existence
	action, exists := g.actions.Get(name)
	if !exists {
		recordActionDecision(name, "unknown_action")
		g.tracker.RecordAction(agentID, claims.AgentExternalID, name, params, false, true)
		g.dispatch(claims, certJTI, name, "failure", map[string]any{
			"decision": "unknown_action",
			"params":   params,
		})
		c.JSON(http.StatusNotFound, gin.H{
			"success":          false,
			"error":            "Unknown action: " + name,
			"availableActions": g.actions.Names(),
		})
		return
	}

	// scope check
	if !claims.AllowsAction(name) {
		recordActionDecision(name, "scope_violation")
		g.tracker.RecordAction(agentID, claims.AgentExternalID, name, params, false, false)
		g.dispatch(claims, certJTI, name, "failure", map[string]any{
			"decision": "scope_violation",
			"scope":    claims.Scope,
		})
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "Action not permitted by certificate scope",
		})
		return
	}

	// optional ML threat check, fail-open
	if g.analyzer != nil {
		res, err := g.analyzer.Analyze(c.Request.Context(), params, agentID)
		if err != nil {
			g.logger.Warn("threat analyzer failed, proceeding", zap.Error(err))
		} else if !res.Safe {
			recordActionDecision(name, "ml_threat_detected")
			g.tracker.RecordAction(agentID, claims.AgentExternalID, name, params, false, true)
			g.dispatch(claims, certJTI, name, "failure", map[string]any{
				"decision": "ml_threat_detected",
				"threats":  sanitizeThreats(res.Threats),
			})
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Request blocked by threat analysis",
				"threats": sanitizeThreats(res.Threats),
			})
			return
		}
	}

	// score gate, validation, execution
	scoreMet := claims.Score >= action.MinScore
	result := g.actions.Execute(c.Request.Context(), name, params, registry.AgentContext{
		AgentID:    agentID,
		ExternalID: claims.AgentExternalID,
		Score:      claims.Score,
	})

	// behavior record
	rec := g.tracker.RecordAction(agentID, claims.AgentExternalID, name, params, result.Success, scoreMet)

	// report dispatch, fire-and-forget
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	g.dispatch(claims, certJTI, name, outcome, map[string]any{
		"params":        params,
		"behaviorScore": rec.Score,
		"flags":         rec.NewFlags,
		"blocked":       rec.Blocked,
	})

	// response shaping
	resp := gin.H{"success": result.Success}
	status := http.StatusOK
	switch {
	case rec.Blocked:
		recordActionDecision(name, "blocked")
		status = http.StatusForbidden
		resp["success"] = false
		resp["error"] = "Session blocked due to behavioral violations"
	case result.Success:
		recordActionDecision(name, "allowed")
		resp["data"] = result.Data
	default:
		recordActionDecision(name, "denied")
		status = http.StatusForbidden
		resp["error"] = result.Error
	}
	if rec.Score < 80 || len(rec.Fired) > 0 {
		resp["behavior"] = gin.H{
			"score":   rec.Score,
			"flags":   rec.Fired,
			"warning": behaviorWarning(rec.Score),
		}
	}
	c.JSON(status, resp)
}

// dispatch forwards one observed action to the station when reporting
// is configured.
func (g *Gateway) dispatch(claims *certificate.Claims, certJTI uuid.UUID, actionType, outcome string, metadata map[string]any) {
	if g.reports == nil {
		return
	}
	agentID, err := uuid.Parse(claims.Subject)
	if err != nil {
		g.logger.Warn("certificate sub is not a uuid, report dropped", zap.String("sub", claims.Subject))
		return
	}
	g.reports.Dispatch(agentID, certJTI, model.ReportedAction{
		ActionType:  actionType,
		Outcome:     outcome,
		Metadata:    metadata,
		PerformedAt: time.Now().UTC(),
	})
}

// bearerToken extracts the credential from Authorization: Bearer or the
// X-Agent-Certificate header.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.GetHeader("X-Agent-Certificate")
}

// verifyFailure maps a local verification error to HTTP semantics.
func verifyFailure(err error) (int, string) {
	switch {
	case errors.Is(err, certificate.ErrExpired):
		return http.StatusUnauthorized, "Certificate expired"
	case errors.Is(err, certificate.ErrAgentDisabled):
		return http.StatusForbidden, "Agent is not active"
	default:
		return http.StatusUnauthorized, "Invalid certificate"
	}
}

// behaviorWarning keys the advisory text by score band.
func behaviorWarning(score int) string {
	if score < 50 {
		return "Severe behavioral violations detected; session close to being blocked"
	}
	return "Behavioral anomalies detected; continued violations will block this session"
}

// sanitizeThreats strips flagged values down to type, field, and
// confidence so raw payloads never echo back on the wire.
func sanitizeThreats(threats []mlthreat.Threat) []gin.H {
	out := make([]gin.H, 0, len(threats))
	for _, t := range threats {
		out = append(out, gin.H{
			"type":       t.Type,
			"field":      t.Field,
			"confidence": t.Confidence,
		})
	}
	return out
}
