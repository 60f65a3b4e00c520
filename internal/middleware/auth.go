package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dicegame-backend/internal/services"
)

// AuthMiddleware accepts a bearer token, or a token query parameter for
// WebSocket upgrades, and requires the session it names to still exist.
func AuthMiddleware(jwtService *services.JWTService, store *services.RedisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
			if tokenString == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		if store != nil {
			_, err := store.GetPlayerSession(c.Request.Context(), claims.Address, claims.SessionID)
			if errors.Is(err, services.ErrSessionNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session ended"})
				return
			}
			if err != nil {
				slog.Error("session lookup failed", "player", claims.Address, "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Session store unavailable"})
				return
			}
		}

		c.Set("address", claims.Address)
		c.Set("session_id", claims.SessionID)

		c.Next()
	}
}

func RateLimitMiddleware(store *services.RedisService) gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.GetString("address")
		if address == "" || store == nil {
			c.Next()
			return
		}

		path := c.Request.URL.Path

		var (
			action string
			limit  int
		)
		window := time.Minute

		switch {
		case strings.HasSuffix(path, "/play"):
			action, limit = "play", services.DefaultRateLimitPlay
		case strings.HasSuffix(path, "/claim"):
			action, limit = "claim", services.DefaultRateLimitDecision
		case strings.HasSuffix(path, "/forfeit"):
			action, limit = "forfeit", services.DefaultRateLimitDecision
		default:
			c.Next()
			return
		}

		allowed, err := store.CheckRateLimit(c.Request.Context(), address, action, limit, window)
		if err != nil {
			slog.Warn("rate limit check failed", "player", address, "action", action, "error", err)
		}
		if err != nil || !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": window.Seconds(),
			})
			return
		}

		c.Next()
	}
}
