// Package handler exposes the station's HTTP surface. All responses are
// JSON envelopes: {success:true, data} or {success:false, error}.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/certificate"
	"github.com/agenttrust/station/internal/station/model"
	"github.com/agenttrust/station/internal/station/service"
)

// StationHandler wires the trust core to gin routes.
type StationHandler struct {
	svc    *service.Station
	logger *zap.Logger
}

// NewStationHandler creates a StationHandler.
func NewStationHandler(svc *service.Station, logger *zap.Logger) *StationHandler {
	return &StationHandler{svc: svc, logger: logger}
}

// Register mounts all station routes on the given router group.
func (h *StationHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/.well-known/station-keys", h.StationKeys)
	rg.GET("/.well-known/station-info", h.StationInfo)

	rg.POST("/developers/register", h.RegisterDeveloper)
	rg.GET("/certificates/verify", h.VerifyCertificate)

	authed := rg.Group("", RequireAPIKey(h.svc))
	{
		authed.POST("/developers/agents", h.RegisterAgent)
		authed.GET("/developers/agents", h.ListAgents)
		authed.POST("/certificates/request", h.RequestCertificate)
		authed.POST("/certificates/:jti/revoke", h.RevokeCertificate)
		authed.POST("/verify", h.VerifyAction)
		authed.POST("/report", h.ReportOutcome)
		authed.POST("/reports", h.IngestReport)
		authed.GET("/agents/:externalId/reputation", h.Reputation)
		authed.POST("/agents/:externalId/vouch", h.Vouch)
		authed.DELETE("/agents/:externalId/vouch/:voucherExternalId", h.Unvouch)
		authed.POST("/agents/:externalId/stake", h.AddStake)
	}
}

// ok writes the success envelope.
func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// fail translates a domain error into the wire envelope. Internal causes
// are logged but never serialized.
func (h *StationHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	var de *model.Error
	if errors.As(err, &de) {
		status = de.HTTPStatus()
		message = de.Message
	}
	if model.KindOf(err) == model.KindInternal {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}

// StationKeys handles GET /.well-known/station-keys.
func (h *StationHandler) StationKeys(c *gin.Context) {
	pem, err := h.svc.Issuer().PublicKeyPEM()
	if err != nil {
		h.fail(c, model.Wrap(model.KindInternal, err, "encode public key"))
		return
	}
	ok(c, http.StatusOK, gin.H{
		"publicKey": pem,
		"algorithm": "RS256",
		"use":       "sig",
		"issuer":    certificate.IssuerName,
	})
}

// StationInfo handles GET /.well-known/station-info.
func (h *StationHandler) StationInfo(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"issuer":                   certificate.IssuerName,
		"certificateExpirySeconds": int(h.svc.Issuer().Expiry() / time.Second),
		"features":                 []string{"reputation", "certificates", "vouching", "staking", "action-log"},
	})
}

// RegisterDeveloper handles POST /developers/register. The API key in
// the response is shown exactly once.
func (h *StationHandler) RegisterDeveloper(c *gin.Context) {
	var req struct {
		Name  string `json:"name" binding:"required"`
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid request body"))
		return
	}
	reg, err := h.svc.RegisterDeveloper(c.Request.Context(), req.Name, req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"developer": reg.Developer, "apiKey": reg.APIKey})
}

// RegisterAgent handles POST /developers/agents.
func (h *StationHandler) RegisterAgent(c *gin.Context) {
	var req struct {
		ExternalID  string `json:"externalId" binding:"required"`
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid request body"))
		return
	}
	agent, err := h.svc.RegisterAgent(c.Request.Context(), developerID(c), req.ExternalID, req.DisplayName)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"agent": agent})
}

// ListAgents handles GET /developers/agents.
func (h *StationHandler) ListAgents(c *gin.Context) {
	agents, err := h.svc.ListAgents(c.Request.Context(), developerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// RequestCertificate handles POST /certificates/request.
func (h *StationHandler) RequestCertificate(c *gin.Context) {
	var req struct {
		AgentID string   `json:"agentId" binding:"required"`
		Scope   []string `json:"scope"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid request body"))
		return
	}
	issued, err := h.svc.IssueCertificate(c.Request.Context(), developerID(c), req.AgentID, req.Scope)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordCertificateIssued()
	ok(c, http.StatusOK, gin.H{
		"token":     issued.Token,
		"jti":       issued.JTI,
		"expiresAt": issued.ExpiresAt,
		"score":     issued.Score,
	})
}

// VerifyCertificate handles GET /certificates/verify?token=…
func (h *StationHandler) VerifyCertificate(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		h.fail(c, model.E(model.KindBadRequest, "token query parameter is required"))
		return
	}
	res, err := h.svc.VerifyRemote(c.Request.Context(), token)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordVerification(res.Valid)
	if !res.Valid {
		ok(c, http.StatusOK, gin.H{"valid": false, "reason": res.Reason})
		return
	}
	ok(c, http.StatusOK, gin.H{"valid": true, "payload": res.Claims})
}

// RevokeCertificate handles POST /certificates/{jti}/revoke.
func (h *StationHandler) RevokeCertificate(c *gin.Context) {
	jti, err := uuid.Parse(c.Param("jti"))
	if err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid jti"))
		return
	}
	if err := h.svc.RevokeCertificate(c.Request.Context(), developerID(c), jti); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"jti": jti, "revoked": true})
}

// VerifyAction handles POST /verify.
func (h *StationHandler) VerifyAction(c *gin.Context) {
	var req service.VerifyActionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid request body"))
		return
	}
	res, err := h.svc.PreVerifyAction(c.Request.Context(), developerID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ReportOutcome handles POST /report.
func (h *StationHandler) ReportOutcome(c *gin.Context) {
	var req struct {
		ActionID uuid.UUID `json:"actionId" binding:"required"`
		Outcome  string    `json:"outcome" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid request body"))
		return
	}
	res, err := h.svc.ReportOutcome(c.Request.Context(), developerID(c), req.ActionID, req.Outcome)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// IngestReport handles POST /reports, the gateway batch report.
func (h *StationHandler) IngestReport(c *gin.Context) {
	var req service.GatewayReportInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid request body"))
		return
	}
	summary, err := h.svc.IngestGatewayReport(c.Request.Context(), developerID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordReportIngested(summary.ActionsProcessed)
	ok(c, http.StatusOK, summary)
}

// Reputation handles GET /agents/{externalId}/reputation.
func (h *StationHandler) Reputation(c *gin.Context) {
	detail, err := h.svc.ReputationBreakdown(c.Request.Context(), developerID(c), c.Param("externalId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, detail)
}

// Vouch handles POST /agents/{externalId}/vouch.
func (h *StationHandler) Vouch(c *gin.Context) {
	var req struct {
		VoucherExternalID string `json:"voucherExternalId" binding:"required"`
		Weight            int    `json:"weight" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid request body"))
		return
	}
	vouch, err := h.svc.Vouch(c.Request.Context(), developerID(c), req.VoucherExternalID, c.Param("externalId"), req.Weight)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"vouch": vouch})
}

// Unvouch handles DELETE /agents/{externalId}/vouch/{voucherExternalId}.
func (h *StationHandler) Unvouch(c *gin.Context) {
	err := h.svc.Unvouch(c.Request.Context(), developerID(c), c.Param("voucherExternalId"), c.Param("externalId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"removed": true})
}

// AddStake handles POST /agents/{externalId}/stake.
func (h *StationHandler) AddStake(c *gin.Context) {
	var req struct {
		Amount float64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, model.E(model.KindBadRequest, "invalid request body"))
		return
	}
	score, err := h.svc.AddStake(c.Request.Context(), developerID(c), c.Param("externalId"), req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"newReputationScore": score})
}
