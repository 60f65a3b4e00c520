package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dicegame-backend/internal/models"
)

var (
	// ErrNoPendingReward is returned by claim and forfeit when the chain holds
	// no pending reward for the player.
	ErrNoPendingReward = errors.New("no pending reward")
	// ErrDecisionExpired is returned by claim once the deadline has passed.
	// Forfeit stays available.
	ErrDecisionExpired = errors.New("decision window expired")
)

// DecisionWindowController gates claim, forfeit and play for one player.
//
// Each operation is single-flight: a call made while the same operation is
// still in flight returns (nil, nil) without touching the chain. The latch is
// released on every exit path. Validation failures are returned before any
// transaction is submitted.
//
// A controller is bound to one address for its whole life; a different
// address gets a new controller.
type DecisionWindowController struct {
	chain  Chain
	player string
	now    func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	window   models.DecisionWindow
	state    *models.PlayerState
	lastUsed time.Time

	// users counts facade callers holding the controller; a held controller is
	// never evicted.
	users atomic.Int32

	claimInFlight   atomic.Bool
	forfeitInFlight atomic.Bool
	playInFlight    atomic.Bool
}

// NewDecisionWindowController starts with an empty mirror. Every operation
// reads the chain before validating, so the mirror only serves display reads.
// A nil now uses time.Now.
func NewDecisionWindowController(chain Chain, player string, now func() time.Time) *DecisionWindowController {
	if now == nil {
		now = time.Now
	}
	return &DecisionWindowController{
		chain:    chain,
		player:   player,
		now:      now,
		logger:   slog.Default().With("component", "decision_window", "player", player),
		lastUsed: now(),
	}
}

// Player is the address the controller is bound to.
func (c *DecisionWindowController) Player() string {
	return c.player
}

// Window returns a copy of the mirrored window.
func (c *DecisionWindowController) Window() models.DecisionWindow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.window.Clone()
}

// State derives the window state from the mirror at the current time.
func (c *DecisionWindowController) State() models.WindowState {
	return c.Window().State(c.now())
}

// PlayerState returns the last full player read, or nil before the first one.
func (c *DecisionWindowController) PlayerState() *models.PlayerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	st := *c.state
	st.Window = st.Window.Clone()
	return &st
}

// InFlight reports whether any operation currently holds its latch.
func (c *DecisionWindowController) InFlight() bool {
	return c.claimInFlight.Load() || c.forfeitInFlight.Load() || c.playInFlight.Load()
}

// LastUsed is the time of the last chain read or facade hand-out.
func (c *DecisionWindowController) LastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

func (c *DecisionWindowController) touch() {
	c.mu.Lock()
	c.lastUsed = c.now()
	c.mu.Unlock()
}

func (c *DecisionWindowController) busy() bool {
	return c.users.Load() > 0 || c.InFlight()
}

// Observe replaces the mirrored window with a value read elsewhere.
func (c *DecisionWindowController) Observe(w models.DecisionWindow) {
	c.mu.Lock()
	c.window = w.Clone()
	c.lastUsed = c.now()
	c.mu.Unlock()
}

// Refresh re-reads the pending reward state from the chain.
func (c *DecisionWindowController) Refresh(ctx context.Context) (models.DecisionWindow, error) {
	w, err := c.chain.GetPendingRewardState(ctx, c.player)
	if err != nil {
		return models.DecisionWindow{}, fmt.Errorf("get pending reward state: %w", err)
	}
	c.Observe(w)
	return w.Clone(), nil
}

// RefreshPlayer re-reads the full player state, window included.
func (c *DecisionWindowController) RefreshPlayer(ctx context.Context) (*models.PlayerState, error) {
	return c.refreshPlayer(ctx)
}

func (c *DecisionWindowController) refreshPlayer(ctx context.Context) (*models.PlayerState, error) {
	st, err := c.chain.GetPlayerState(ctx, c.player)
	if err != nil {
		return nil, fmt.Errorf("get player state: %w", err)
	}

	c.mu.Lock()
	c.state = st
	c.window = st.Window.Clone()
	c.lastUsed = c.now()
	c.mu.Unlock()

	return st, nil
}

// Claim reads the window from the chain and submits a claim when a reward is
// pending and its deadline has not passed.
func (c *DecisionWindowController) Claim(ctx context.Context) (*models.Receipt, error) {
	if !c.claimInFlight.CompareAndSwap(false, true) {
		c.logger.Debug("claim already in flight")
		return nil, nil
	}
	defer c.claimInFlight.Store(false)

	w, err := c.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if !w.PendingActive {
		return nil, ErrNoPendingReward
	}
	if w.Expired(c.now()) {
		return nil, ErrDecisionExpired
	}

	return c.submit(ctx, models.TxOpClaim, func() (models.TxHandle, error) {
		return c.chain.SubmitClaim(ctx, c.player)
	})
}

// Forfeit reads the window from the chain like Claim but has no deadline
// restriction.
func (c *DecisionWindowController) Forfeit(ctx context.Context) (*models.Receipt, error) {
	if !c.forfeitInFlight.CompareAndSwap(false, true) {
		c.logger.Debug("forfeit already in flight")
		return nil, nil
	}
	defer c.forfeitInFlight.Store(false)

	w, err := c.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if !w.PendingActive {
		return nil, ErrNoPendingReward
	}

	return c.submit(ctx, models.TxOpForfeit, func() (models.TxHandle, error) {
		return c.chain.SubmitForfeit(ctx, c.player)
	})
}

// PlayRound refreshes the player before submitting so the decision is never
// made on stale rounds or pending data. guard, when set, runs against the
// fresh state and aborts the round by returning an error.
func (c *DecisionWindowController) PlayRound(
	ctx context.Context,
	direction models.Direction,
	guard func(*models.PlayerState) error,
) (*models.Receipt, error) {
	if !c.playInFlight.CompareAndSwap(false, true) {
		c.logger.Debug("play already in flight")
		return nil, nil
	}
	defer c.playInFlight.Store(false)

	if err := direction.Validate(); err != nil {
		return nil, err
	}

	st, err := c.refreshPlayer(ctx)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard(st); err != nil {
			return nil, err
		}
	}

	seed, err := models.GenerateClientSeed()
	if err != nil {
		return nil, err
	}

	return c.submit(ctx, models.TxOpPlay, func() (models.TxHandle, error) {
		return c.chain.SubmitPlay(ctx, c.player, direction, seed)
	})
}

func (c *DecisionWindowController) submit(
	ctx context.Context,
	op models.TxOp,
	send func() (models.TxHandle, error),
) (*models.Receipt, error) {
	handle, err := send()
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", op, err)
	}

	receipt, err := c.chain.AwaitConfirmation(ctx, handle)
	if err != nil {
		c.logger.Warn("transaction not confirmed", "op", op, "hash", handle.Hash, "error", err)
		return nil, fmt.Errorf("await %s confirmation: %w", op, err)
	}

	c.logger.Info("transaction confirmed", "op", op, "hash", receipt.Hash)

	// The chain is the source of truth; a failed refresh leaves the old mirror
	// in place until the next read.
	if _, err := c.refreshPlayer(ctx); err != nil {
		c.logger.Warn("refresh after confirmation failed", "op", op, "error", err)
	}

	return receipt, nil
}
