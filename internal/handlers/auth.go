package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dicegame-backend/internal/models"
	"dicegame-backend/internal/services"
)

type AuthHandler struct {
	redisService *services.RedisService
	jwtService   *services.JWTService
}

func NewAuthHandler(redisService *services.RedisService, jwtService *services.JWTService) *AuthHandler {
	return &AuthHandler{
		redisService: redisService,
		jwtService:   jwtService,
	}
}

// CreateSession binds a session to a wallet address. Proving ownership of the
// address is the wallet connector's job and happens before this call.
func (h *AuthHandler) CreateSession(c *gin.Context) {
	var req models.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	address, err := models.NormalizeAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid address",
			"details": err.Error(),
		})
		return
	}

	now := time.Now()
	session := &models.PlayerSession{
		SessionID:    uuid.NewString(),
		Address:      address,
		CreatedAt:    now,
		LastAccessed: now,
	}

	if err := h.redisService.StorePlayerSession(c.Request.Context(), session, h.jwtService.Expiry()); err != nil {
		slog.Error("store session failed", "player", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	token, err := h.jwtService.GenerateToken(address, session.SessionID)
	if err != nil {
		slog.Error("token generation failed", "player", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"token":      token,
		"expires_at": now.Add(h.jwtService.Expiry()).Unix(),
		"session": gin.H{
			"session_id": session.SessionID,
			"address":    address,
		},
	})
}
