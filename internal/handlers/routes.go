package handlers

import (
	"github.com/gin-gonic/gin"

	"dicegame-backend/internal/middleware"
	"dicegame-backend/internal/services"
)

type Routes struct {
	JWT   *services.JWTService
	Redis *services.RedisService

	Auth      *AuthHandler
	User      *UserHandler
	Game      *GameHandler
	WebSocket *WebSocketHandler
}

func (r *Routes) Register(router *gin.Engine) {
	router.POST("/auth/session", r.Auth.CreateSession)

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(r.JWT, r.Redis))
	protected.Use(middleware.RateLimitMiddleware(r.Redis))
	{
		protected.GET("/me", r.User.GetCurrentUser)
		protected.POST("/logout", r.User.Logout)

		protected.GET("/ws", r.WebSocket.HandleWebSocket)

		protected.GET("/board", r.Game.GetBoard)
		protected.GET("/window", r.Game.GetWindow)
		protected.GET("/history", r.Game.GetHistory)

		protected.POST("/play", r.Game.Play)
		protected.POST("/claim", r.Game.Claim)
		protected.POST("/forfeit", r.Game.Forfeit)

		protected.GET("/fairness", r.Game.GetFairness)
		protected.POST("/verify", r.Game.VerifyRoll)
	}
}
