// Package keycache fetches the station's certificate-signing public key
// and keeps it fresh on a timer. The initial fetch is fail-closed: a
// gateway must not serve requests without a verification key. Refresh
// failures keep the cached key in use.
package keycache

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/certificate"
)

const keysPath = "/.well-known/station-keys"

// Cache holds the station public key and refreshes it periodically.
// It satisfies certificate.KeyProvider.
type Cache struct {
	stationURL string
	client     *http.Client
	interval   time.Duration
	logger     *zap.Logger

	mu        sync.RWMutex
	key       *rsa.PublicKey
	fetchedAt time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New fetches the key once, synchronously. An error here should abort
// gateway startup.
func New(ctx context.Context, stationURL string, refreshInterval time.Duration, logger *zap.Logger) (*Cache, error) {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}
	c := &Cache{
		stationURL: stationURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		interval:   refreshInterval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	key, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial station key fetch: %w", err)
	}
	c.key = key
	c.fetchedAt = time.Now()
	return c, nil
}

// PublicKey implements certificate.KeyProvider.
func (c *Cache) PublicKey() *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// FetchedAt reports when the current key was obtained.
func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// Start runs the refresh loop until Stop.
func (c *Cache) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Refresh(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the refresh loop. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Refresh fetches the key once. On failure the cached key stays in use.
func (c *Cache) Refresh(ctx context.Context) {
	key, err := c.fetch(ctx)
	if err != nil {
		c.logger.Warn("station key refresh failed, keeping cached key", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.key = key
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.stationURL+keysPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("station returned %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			PublicKey string `json:"publicKey"`
			Algorithm string `json:"algorithm"`
			Issuer    string `json:"issuer"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode key response: %w", err)
	}
	if !envelope.Success || envelope.Data.PublicKey == "" {
		return nil, fmt.Errorf("station key response missing public key")
	}
	if envelope.Data.Algorithm != "" && envelope.Data.Algorithm != "RS256" {
		return nil, fmt.Errorf("unsupported algorithm %q", envelope.Data.Algorithm)
	}

	key, err := certificate.ParsePublicKey([]byte(envelope.Data.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("parse station public key: %w", err)
	}
	return key, nil
}
