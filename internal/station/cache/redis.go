// Package cache provides an optional Redis-backed fast path for
// certificate revocation checks. The station works without it; when
// configured it spares the database a lookup per remote verification of
// a revoked certificate.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const revokedKeyPrefix = "ats:revoked:"

// RevocationCache marks revoked certificate IDs in Redis. Only positive
// results are cached: absence of a key means "unknown", never "valid".
type RevocationCache struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*RevocationCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RevocationCache{client: client, logger: logger}, nil
}

// IsRevoked reports whether the jti is known to be revoked. known=false
// means the caller must consult the database.
func (c *RevocationCache) IsRevoked(ctx context.Context, jti uuid.UUID) (revoked, known bool) {
	err := c.client.Get(ctx, revokedKeyPrefix+jti.String()).Err()
	switch {
	case err == nil:
		return true, true
	case err == redis.Nil:
		return false, false
	default:
		c.logger.Warn("revocation cache read failed", zap.Error(err))
		return false, false
	}
}

// MarkRevoked records the revocation until the certificate would have
// expired anyway. Errors are logged, not propagated: the database stays
// authoritative.
func (c *RevocationCache) MarkRevoked(ctx context.Context, jti uuid.UUID, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := c.client.Set(ctx, revokedKeyPrefix+jti.String(), 1, ttl).Err(); err != nil {
		c.logger.Warn("revocation cache write failed", zap.Error(err))
	}
}

// Close releases the underlying connection pool.
func (c *RevocationCache) Close() error { return c.client.Close() }
