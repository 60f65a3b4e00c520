package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dicegame-backend/internal/services"
)

type UserHandler struct {
	redisService *services.RedisService
	gameplay     *services.GameplayService
	decimals     int32
}

func NewUserHandler(redisService *services.RedisService, gameplay *services.GameplayService, decimals int32) *UserHandler {
	return &UserHandler{
		redisService: redisService,
		gameplay:     gameplay,
		decimals:     decimals,
	}
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	address := c.GetString("address")
	sessionID := c.GetString("session_id")

	session, err := h.redisService.GetPlayerSession(c.Request.Context(), address, sessionID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Session expired or invalid"})
		return
	}

	player, err := h.gameplay.Player(c.Request.Context(), address)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": gin.H{
			"session_id":    session.SessionID,
			"created_at":    session.CreatedAt,
			"last_accessed": session.LastAccessed,
		},
		"player": playerView(player, h.decimals),
	})
}

func (h *UserHandler) Logout(c *gin.Context) {
	address := c.GetString("address")
	sessionID := c.GetString("session_id")

	if err := h.redisService.DeletePlayerSession(c.Request.Context(), address, sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to logout"})
		return
	}
	h.gameplay.EndSession(address)

	c.JSON(http.StatusOK, gin.H{"message": "Successfully logged out"})
}
