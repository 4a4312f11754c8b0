package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agenttrust/station/internal/station/model"
)

// developerCtxKey is where the auth middleware stores the authenticated
// developer for downstream handlers.
const developerCtxKey = "ats_developer"

// apiKeyAuthenticator is the slice of the station service the middleware
// needs; *service.Station satisfies it.
type apiKeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, key string) (*model.Developer, error)
}

// RequireAPIKey authenticates the developer API key from the
// Authorization header ("Bearer ats_…") or the X-API-Key header and
// injects the developer into the request context.
func RequireAPIKey(auth apiKeyAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			header := c.GetHeader("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				key = strings.TrimPrefix(header, "Bearer ")
			}
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false, "error": "api key required",
			})
			return
		}

		dev, err := auth.AuthenticateAPIKey(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false, "error": "invalid api key",
			})
			return
		}
		c.Set(developerCtxKey, dev)
		c.Next()
	}
}

// developerID returns the authenticated developer's ID. Routes behind
// RequireAPIKey always have one; uuid.Nil otherwise.
func developerID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(developerCtxKey); ok {
		if dev, ok := v.(*model.Developer); ok {
			return dev.ID
		}
	}
	return uuid.Nil
}
