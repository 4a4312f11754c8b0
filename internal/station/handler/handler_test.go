package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/auditlog"
	"github.com/agenttrust/station/internal/certificate"
	"github.com/agenttrust/station/internal/station/handler"
	"github.com/agenttrust/station/internal/station/repository"
	"github.com/agenttrust/station/internal/station/service"
)

var testIssuer = mustIssuer()

func mustIssuer() *certificate.Issuer {
	key, err := certificate.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return certificate.NewIssuer(key, 5*time.Minute)
}

type env struct {
	router *gin.Engine
	apiKey string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	svc := service.New(
		store.Developers(), store.Agents(), store.Certificates(),
		store.Vouches(), store.Events(),
		auditlog.NewMemoryLog(), testIssuer, zap.NewNop(),
	)
	h := handler.NewStationHandler(svc, zap.NewNop())

	router := gin.New()
	h.Register(router.Group(""))

	e := &env{router: router}

	var resp struct {
		Data struct {
			APIKey string `json:"apiKey"`
		} `json:"data"`
	}
	w := e.do(t, http.MethodPost, "/developers/register", "", map[string]any{"name": "Acme", "email": "ops@acme.test"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register developer: status %d body %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	e.apiKey = resp.Data.APIKey
	return e
}

func (e *env) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   string         `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, w.Body.String())
	}
	if !envelope.Success {
		t.Fatalf("success=false, error=%q", envelope.Error)
	}
	return envelope.Data
}

func (e *env) registerAgent(t *testing.T, externalID string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/developers/agents", e.apiKey, map[string]any{"externalId": externalID})
	if w.Code != http.StatusCreated {
		t.Fatalf("register agent: status %d body %s", w.Code, w.Body.String())
	}
}

func TestStationKeysPublic(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/.well-known/station-keys", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	data := decodeData(t, w)
	if data["algorithm"] != "RS256" || data["issuer"] != certificate.IssuerName {
		t.Fatalf("unexpected key metadata %v", data)
	}
	pem, _ := data["publicKey"].(string)
	if !bytes.Contains([]byte(pem), []byte("BEGIN PUBLIC KEY")) {
		t.Fatal("response does not contain a PEM public key")
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/developers/agents"},
		{http.MethodPost, "/certificates/request"},
		{http.MethodPost, "/verify"},
		{http.MethodPost, "/reports"},
	} {
		w := e.do(t, tc.method, tc.path, "", map[string]any{})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without key: status %d, want 401", tc.method, tc.path, w.Code)
		}
	}

	w := e.do(t, http.MethodPost, "/developers/agents", "ats_00000000_bogus", map[string]any{"externalId": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bogus key: status %d, want 401", w.Code)
	}
}

func TestCertificateRequestAndRemoteVerify(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t, "crawler-1")

	w := e.do(t, http.MethodPost, "/certificates/request", e.apiKey, map[string]any{
		"agentId": "crawler-1",
		"scope":   []string{"search"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("request certificate: status %d body %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("no token in response")
	}
	if data["score"].(float64) != 50 {
		t.Fatalf("score = %v, want 50", data["score"])
	}

	w = e.do(t, http.MethodGet, "/certificates/verify?token="+token, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: status %d", w.Code)
	}
	data = decodeData(t, w)
	if data["valid"] != true {
		t.Fatalf("valid = %v, want true", data["valid"])
	}
	payload, _ := data["payload"].(map[string]any)
	if payload["agentExternalId"] != "crawler-1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestCertificateUnknownAgent(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/certificates/request", e.apiKey, map[string]any{"agentId": "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestRevokeThenRemoteVerifyFails(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t, "crawler-1")

	w := e.do(t, http.MethodPost, "/certificates/request", e.apiKey, map[string]any{"agentId": "crawler-1"})
	data := decodeData(t, w)
	token := data["token"].(string)
	jti := data["jti"].(string)

	w = e.do(t, http.MethodPost, "/certificates/"+jti+"/revoke", e.apiKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status %d body %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/certificates/verify?token="+token, "", nil)
	data = decodeData(t, w)
	if data["valid"] != false {
		t.Fatal("revoked certificate reported valid")
	}
}

func TestVerifyReportCycle(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t, "crawler-1")

	w := e.do(t, http.MethodPost, "/verify", e.apiKey, map[string]any{
		"agentId":    "crawler-1",
		"actionType": "fetch_page",
		"threshold":  40,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if data["allowed"] != true {
		t.Fatalf("allowed = %v", data["allowed"])
	}
	actionID := data["actionId"].(string)

	w = e.do(t, http.MethodPost, "/report", e.apiKey, map[string]any{
		"actionId": actionID,
		"outcome":  "success",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("report: status %d body %s", w.Code, w.Body.String())
	}
	data = decodeData(t, w)
	// one success: base 50 + round(20·1/1) = 70
	if data["newReputationScore"].(float64) != 70 {
		t.Fatalf("new score = %v, want 70", data["newReputationScore"])
	}
}

func TestReputationEndpoint(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t, "crawler-1")

	w := e.do(t, http.MethodGet, "/agents/crawler-1/reputation", e.apiKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	breakdown, _ := data["breakdown"].(map[string]any)
	if breakdown["base"].(float64) != 50 || breakdown["score"].(float64) != 50 {
		t.Fatalf("breakdown = %v", breakdown)
	}
}

func TestVouchEndpointConflict(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t, "novice")
	e.registerAgent(t, "veteran")

	// stake enough to clear the vouching bar: 50 + min(15, 5+⌊2000/100⌋) = 65
	w := e.do(t, http.MethodPost, "/agents/veteran/stake", e.apiKey, map[string]any{"amount": 2000})
	if w.Code != http.StatusOK {
		t.Fatalf("stake: status %d body %s", w.Code, w.Body.String())
	}

	body := map[string]any{"voucherExternalId": "veteran", "weight": 3}
	w = e.do(t, http.MethodPost, "/agents/novice/vouch", e.apiKey, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("vouch: status %d body %s", w.Code, w.Body.String())
	}
	w = e.do(t, http.MethodPost, "/agents/novice/vouch", e.apiKey, body)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate vouch: status %d, want 409", w.Code)
	}
}

func TestReportsIngestEndpoint(t *testing.T) {
	e := newEnv(t)
	e.registerAgent(t, "crawler-1")

	w := e.do(t, http.MethodPost, "/certificates/request", e.apiKey, map[string]any{"agentId": "crawler-1"})
	certData := decodeData(t, w)
	jti := certData["jti"].(string)

	var listResp struct {
		Data struct {
			Agents []struct {
				ID string `json:"id"`
			} `json:"agents"`
		} `json:"data"`
	}
	w = e.do(t, http.MethodGet, "/developers/agents", e.apiKey, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode agent list: %v", err)
	}
	agentID := listResp.Data.Agents[0].ID

	now := time.Now().UTC().Format(time.RFC3339)
	w = e.do(t, http.MethodPost, "/reports", e.apiKey, map[string]any{
		"agentId":        agentID,
		"gatewayId":      "gw-test",
		"certificateJti": jti,
		"actions": []map[string]any{
			{"actionType": "search", "outcome": "success", "performedAt": now},
			{"actionType": "search", "outcome": "failure", "performedAt": now},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ingest: status %d body %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if data["actionsProcessed"].(float64) != 2 {
		t.Fatalf("actionsProcessed = %v", data["actionsProcessed"])
	}
	// 50 + round(20·1/2) − 5 = 55
	if data["newReputationScore"].(float64) != 55 {
		t.Fatalf("newReputationScore = %v, want 55", data["newReputationScore"])
	}
}
