// Package agentclient provides the Go SDK for agents: it requests
// clearance certificates from a trust station, caches them until they
// approach expiry, and presents them to gateways when executing actions.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Wildcard requests a certificate with no scope restriction. Passing it
// to Acquire or SetScope clears any scope previously set; passing nil
// leaves the current scope unchanged.
var Wildcard = []string{}

// refreshBuffer is how long before certificate expiry a cached token is
// considered stale. Certificates live for minutes, so 30 seconds keeps a
// token from expiring mid-flight without churning the station.
const refreshBuffer = 30 * time.Second

// Client requests clearance certificates for one agent and executes
// gateway actions with them.
type Client struct {
	stationURL string
	apiKey     string
	agentID    string
	httpClient *http.Client

	// token state guarded by mu
	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	tokenScope  []string // scope the cached token was issued with
	scope       []string // nil means wildcard
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithScope sets the initial certificate scope.
func WithScope(scope []string) Option {
	return func(c *Client) error {
		c.scope = normalizeScope(scope)
		return nil
	}
}

// New creates a Client for the agent identified by agentID, exchanging
// the developer API key for certificates at stationURL.
//
//	c, err := agentclient.New("http://localhost:3000", apiKey, "crawler-1",
//	    agentclient.WithScope([]string{"search"}),
//	)
func New(stationURL, apiKey, agentID string, opts ...Option) (*Client, error) {
	if stationURL == "" {
		return nil, fmt.Errorf("station URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if agentID == "" {
		return nil, fmt.Errorf("agent ID is required")
	}
	c := &Client{
		stationURL: stationURL,
		apiKey:     apiKey,
		agentID:    agentID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetScope replaces the certificate scope. nil or Wildcard clears the
// restriction. A scope change invalidates the cached token so the next
// Acquire fetches a certificate carrying the new scope.
func (c *Client) SetScope(scope []string) {
	next := normalizeScope(scope)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Equal(c.scope, next) {
		c.scope = next
		c.token = ""
		c.tokenExpiry = time.Time{}
		c.tokenScope = nil
	}
}

// Acquire returns a valid certificate token. The cached token is reused
// while more than 30 seconds remain before expiry; otherwise, or when
// forceRefresh is set, a fresh certificate is requested.
//
// scope follows three-way semantics: nil leaves the current scope
// unchanged, Wildcard clears it, and any other list replaces it. A scope
// different from the cached token's scope always forces a fetch.
func (c *Client) Acquire(ctx context.Context, forceRefresh bool, scope []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if scope != nil {
		c.scope = normalizeScope(scope)
	}
	fresh := time.Now().Add(refreshBuffer).Before(c.tokenExpiry)
	if !forceRefresh && c.token != "" && fresh && slices.Equal(c.scope, c.tokenScope) {
		return c.token, nil
	}

	token, expiry, err := c.fetchCertificate(ctx, c.scope)
	if err != nil {
		return "", err
	}
	c.token = token
	c.tokenExpiry = expiry
	c.tokenScope = c.scope
	return token, nil
}

// fetchCertificate requests a fresh certificate from the station.
// Callers hold c.mu.
func (c *Client) fetchCertificate(ctx context.Context, scope []string) (string, time.Time, error) {
	payload, err := json.Marshal(map[string]any{
		"agentId": c.agentID,
		"scope":   scope,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal certificate request: %w", err)
	}

	url := c.stationURL + "/certificates/request"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build certificate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("certificate request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read certificate response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("station error %d: %s", resp.StatusCode, string(body))
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expiresAt"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", time.Time{}, fmt.Errorf("decode certificate response: %w", err)
	}
	if !envelope.Success {
		return "", time.Time{}, fmt.Errorf("station refused certificate: %s", envelope.Error)
	}
	return envelope.Data.Token, envelope.Data.ExpiresAt, nil
}

// ActionResult is one gateway action outcome, successful or not.
type ActionResult struct {
	Status  int             `json:"-"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BatchItem is one action in an ExecuteBatch sequence.
type BatchItem struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ExecuteAction posts one action to the gateway with a valid
// certificate. On a 401 it force-refreshes the token and retries exactly
// once; the retry's result is returned verbatim, success or not.
//
// A non-nil error means the call never produced a gateway decision
// (transport failure, unreadable response). Denials come back as an
// ActionResult with Success=false and the gateway's status code.
func (c *Client) ExecuteAction(ctx context.Context, gatewayURL, name string, params map[string]any) (*ActionResult, error) {
	token, err := c.Acquire(ctx, false, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire certificate: %w", err)
	}

	result, err := c.postAction(ctx, gatewayURL, name, params, token)
	if err != nil {
		return nil, err
	}
	if result.Status != http.StatusUnauthorized {
		return result, nil
	}

	// the gateway rejected the credential; refresh once and retry
	token, err = c.Acquire(ctx, true, nil)
	if err != nil {
		return nil, fmt.Errorf("refresh certificate: %w", err)
	}
	return c.postAction(ctx, gatewayURL, name, params, token)
}

// ExecuteBatch runs items in order, halting after the first result with
// Success=false. The returned slice holds every action attempted,
// including the failed one.
func (c *Client) ExecuteBatch(ctx context.Context, gatewayURL string, items []BatchItem) ([]*ActionResult, error) {
	results := make([]*ActionResult, 0, len(items))
	for _, item := range items {
		res, err := c.ExecuteAction(ctx, gatewayURL, item.Name, item.Params)
		if err != nil {
			return results, fmt.Errorf("action %q: %w", item.Name, err)
		}
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

func (c *Client) postAction(ctx context.Context, gatewayURL, name string, params map[string]any, token string) (*ActionResult, error) {
	payload, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return nil, fmt.Errorf("marshal action request: %w", err)
	}

	url := gatewayURL + "/actions/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	result := &ActionResult{Status: resp.StatusCode}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("decode gateway response (HTTP %d): %w", resp.StatusCode, err)
	}
	return result, nil
}

// normalizeScope maps both nil and the empty list to nil, the internal
// wildcard representation.
func normalizeScope(scope []string) []string {
	if len(scope) == 0 {
		return nil
	}
	return slices.Clone(scope)
}
