package services

import (
	"context"
	"math/big"

	"dicegame-backend/internal/models"
)

// Chain is the game contract as seen from this service. Reads are views;
// Submit* send transactions whose outcome is known only after
// AwaitConfirmation.
type Chain interface {
	GetBasePayoutSchedule(ctx context.Context) (models.BasePayoutSchedule, error)
	GetPoolBalance(ctx context.Context) (*big.Int, error)
	GetSafetyConfig(ctx context.Context) (*models.SafetyConfig, error)
	GetPayoutBoostPpm(ctx context.Context) (int64, error)
	GetPendingRewardState(ctx context.Context, player string) (models.DecisionWindow, error)
	GetPlayerState(ctx context.Context, player string) (*models.PlayerState, error)

	SubmitClaim(ctx context.Context, player string) (models.TxHandle, error)
	SubmitForfeit(ctx context.Context, player string) (models.TxHandle, error)
	SubmitPlay(ctx context.Context, player string, direction models.Direction, seed string) (models.TxHandle, error)

	// AwaitConfirmation returns a *models.TransactionFailure for reverted
	// transactions.
	AwaitConfirmation(ctx context.Context, handle models.TxHandle) (*models.Receipt, error)
}
