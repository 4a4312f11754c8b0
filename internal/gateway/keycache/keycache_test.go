package keycache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenttrust/station/internal/certificate"
	"github.com/agenttrust/station/internal/gateway/keycache"
)

func keyServer(t *testing.T, pem string, failing *atomic.Bool) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/.well-known/station-keys", func(c *gin.Context) {
		if failing != nil && failing.Load() {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
			"publicKey": pem,
			"algorithm": "RS256",
			"issuer":    certificate.IssuerName,
		}})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestInitialFetch(t *testing.T) {
	key, err := certificate.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pem, err := certificate.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	srv := keyServer(t, pem, nil)

	cache, err := keycache.New(context.Background(), srv.URL, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cache.PublicKey().N.Cmp(key.PublicKey.N) != 0 {
		t.Fatal("cached key does not match served key")
	}
}

func TestStartupFailClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := keycache.New(context.Background(), srv.URL, time.Hour, zap.NewNop()); err == nil {
		t.Fatal("New succeeded against a failing station")
	}
}

func TestRefreshKeepsCachedKeyOnFailure(t *testing.T) {
	key, err := certificate.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pem, err := certificate.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	var failing atomic.Bool
	srv := keyServer(t, pem, &failing)

	cache, err := keycache.New(context.Background(), srv.URL, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	failing.Store(true)
	cache.Refresh(context.Background())
	if cache.PublicKey() == nil || cache.PublicKey().N.Cmp(key.PublicKey.N) != 0 {
		t.Fatal("cached key lost after failed refresh")
	}
}

func TestRefreshPicksUpRotatedKey(t *testing.T) {
	key1, _ := certificate.GenerateKeyPair()
	key2, _ := certificate.GenerateKeyPair()
	pem1, _ := certificate.EncodePublicKeyPEM(&key1.PublicKey)
	pem2, _ := certificate.EncodePublicKeyPEM(&key2.PublicKey)

	current := atomic.Value{}
	current.Store(pem1)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/.well-known/station-keys", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
			"publicKey": current.Load().(string),
			"algorithm": "RS256",
		}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	cache, err := keycache.New(context.Background(), srv.URL, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	current.Store(pem2)
	// tokens signed with key2 stay unverifiable until the refresh runs
	if cache.PublicKey().N.Cmp(key2.PublicKey.N) == 0 {
		t.Fatal("key rotated before refresh")
	}
	cache.Refresh(context.Background())
	if cache.PublicKey().N.Cmp(key2.PublicKey.N) != 0 {
		t.Fatal("rotated key not picked up after refresh")
	}
}
