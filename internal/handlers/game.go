package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dicegame-backend/internal/models"
	"dicegame-backend/internal/services"
)

// RollVerifier recomputes a dice roll from revealed inputs.
type RollVerifier func(serverSeed, player, clientSeed string, nonce int64) int

type GameHandler struct {
	gameplay   *services.GameplayService
	decimals   int32
	serverHash string
	verify     RollVerifier
}

func NewGameHandler(gameplay *services.GameplayService, decimals int32, serverHash string, verify RollVerifier) *GameHandler {
	return &GameHandler{
		gameplay:   gameplay,
		decimals:   decimals,
		serverHash: serverHash,
		verify:     verify,
	}
}

func (h *GameHandler) GetBoard(c *gin.Context) {
	board, err := h.gameplay.Board(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"board":   boardView(board),
	})
}

func (h *GameHandler) GetWindow(c *gin.Context) {
	snap, err := h.gameplay.Window(c.Request.Context(), c.GetString("address"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"window":  snapshotView(snap, h.decimals),
	})
}

func (h *GameHandler) Claim(c *gin.Context) {
	h.transact(c, func(ctx context.Context, player string) (*models.Receipt, error) {
		return h.gameplay.Claim(ctx, player)
	})
}

func (h *GameHandler) Forfeit(c *gin.Context) {
	h.transact(c, func(ctx context.Context, player string) (*models.Receipt, error) {
		return h.gameplay.Forfeit(ctx, player)
	})
}

func (h *GameHandler) Play(c *gin.Context) {
	var req models.PlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}
	if err := req.Direction.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid direction",
			"details": err.Error(),
		})
		return
	}

	h.transact(c, func(ctx context.Context, player string) (*models.Receipt, error) {
		return h.gameplay.PlayRound(ctx, player, req.Direction)
	})
}

func (h *GameHandler) transact(c *gin.Context, op func(context.Context, string) (*models.Receipt, error)) {
	player := c.GetString("address")

	receipt, err := op(c.Request.Context(), player)
	if err != nil {
		respondError(c, err)
		return
	}
	if receipt == nil {
		c.JSON(http.StatusAccepted, gin.H{
			"success": false,
			"code":    "in_flight",
			"error":   "Operation already in progress",
		})
		return
	}

	snap := h.gameplay.MirroredWindow(player)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"receipt": receiptView(receipt, h.decimals),
		"window":  snapshotView(snap, h.decimals),
	})
}

func (h *GameHandler) GetHistory(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit <= 0 || limit > services.MaxReceiptsPerPlayer {
		limit = 50
	}

	receipts, err := h.gameplay.History(c.Request.Context(), c.GetString("address"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	response := make([]gin.H, 0, len(receipts))
	for _, r := range receipts {
		response = append(response, receiptView(r, h.decimals))
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"receipts": response,
		"count":    len(response),
	})
}

func (h *GameHandler) GetFairness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"server_hash": h.serverHash,
		"algorithm":   "HMAC-SHA256(server_seed, dice:<address>:<client_seed>:<nonce>)",
	})
}

// VerifyRoll lets a player check a past roll once the server seed is revealed.
func (h *GameHandler) VerifyRoll(c *gin.Context) {
	var req struct {
		ServerSeed string `json:"server_seed" binding:"required"`
		ClientSeed string `json:"client_seed" binding:"required"`
		Nonce      int64  `json:"nonce"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	roll := h.verify(req.ServerSeed, c.GetString("address"), req.ClientSeed, req.Nonce)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"verification": gin.H{
			"roll":  roll,
			"nonce": req.Nonce,
		},
	})
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{services.ErrNoPendingReward, http.StatusConflict, "no_pending_reward"},
	{services.ErrDecisionExpired, http.StatusConflict, "decision_expired"},
	{services.ErrDecisionPending, http.StatusConflict, "decision_pending"},
	{services.ErrNoRoundsRemaining, http.StatusConflict, "no_rounds_remaining"},
}

func respondError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, gin.H{"code": m.code, "error": err.Error()})
			return
		}
	}

	var failure *models.TransactionFailure
	if errors.As(err, &failure) {
		slog.Warn("transaction failed", "player", c.GetString("address"), "op", failure.Op, "hash", failure.Hash, "reason", failure.Reason)
		c.JSON(http.StatusBadGateway, gin.H{
			"code":   "transaction_failed",
			"error":  "Transaction failed",
			"hash":   failure.Hash,
			"reason": failure.Reason,
		})
		return
	}

	slog.Error("request failed", "player", c.GetString("address"), "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":  "internal",
		"error": "Internal error",
	})
}
