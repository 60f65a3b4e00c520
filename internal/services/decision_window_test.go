package services_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicegame-backend/internal/models"
	"dicegame-backend/internal/services"
)

const testPlayer = "0x00000000000000000000000000000000000000aa"

func setupController(t *testing.T) (*services.DecisionWindowController, *fakeChain, *testClock) {
	t.Helper()
	clk := newTestClock()
	chain := newFakeChain(clk.Now)
	return services.NewDecisionWindowController(chain, testPlayer, clk.Now), chain, clk
}

func openWindow(clk *testClock, ttl time.Duration) models.DecisionWindow {
	w := models.DecisionWindow{PendingActive: true, Payout: big.NewInt(250)}
	if ttl != 0 {
		w.Deadline = clk.Now().Add(ttl).Unix()
	}
	return w
}

func TestControllerNoPendingReward(t *testing.T) {
	c, chain, _ := setupController(t)
	ctx := context.Background()

	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	_, err = c.Claim(ctx)
	assert.ErrorIs(t, err, services.ErrNoPendingReward)
	_, err = c.Forfeit(ctx)
	assert.ErrorIs(t, err, services.ErrNoPendingReward)

	assert.Zero(t, chain.callCount(models.TxOpClaim))
	assert.Zero(t, chain.callCount(models.TxOpForfeit))
	assert.False(t, c.InFlight())
}

func TestControllerClaimWithinWindow(t *testing.T) {
	c, chain, clk := setupController(t)
	ctx := context.Background()

	chain.setWindow(openWindow(clk, time.Minute))
	_, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.WindowPendingOpen, c.State())

	receipt, err := c.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, models.TxOpClaim, receipt.Op)
	assert.Equal(t, "250", receipt.Amount.String())

	// The mirror is refreshed from the chain after confirmation.
	assert.Equal(t, models.WindowIdle, c.State())
	st := c.PlayerState()
	require.NotNil(t, st)
	assert.Equal(t, "250", st.Balance.String())
}

func TestControllerExpiredWindow(t *testing.T) {
	c, chain, clk := setupController(t)
	ctx := context.Background()

	chain.setWindow(openWindow(clk, 30*time.Second))
	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	clk.Advance(31 * time.Second)
	assert.Equal(t, models.WindowPendingExpired, c.State())

	_, err = c.Claim(ctx)
	assert.ErrorIs(t, err, services.ErrDecisionExpired)
	assert.Zero(t, chain.callCount(models.TxOpClaim))

	receipt, err := c.Forfeit(ctx)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, 1, chain.callCount(models.TxOpForfeit))
	assert.Equal(t, models.WindowIdle, c.State())
}

func TestControllerNoDeadlineNeverExpires(t *testing.T) {
	c, chain, clk := setupController(t)
	ctx := context.Background()

	chain.setWindow(openWindow(clk, 0))
	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	clk.Advance(365 * 24 * time.Hour)
	assert.Equal(t, models.WindowPendingOpen, c.State())

	receipt, err := c.Claim(ctx)
	require.NoError(t, err)
	assert.NotNil(t, receipt)
}

func TestControllerClaimIsSingleFlight(t *testing.T) {
	c, chain, clk := setupController(t)
	ctx := context.Background()

	chain.setWindow(openWindow(clk, time.Minute))
	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	chain.block = make(chan struct{})

	type result struct {
		receipt *models.Receipt
		err     error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.Claim(ctx)
		done <- result{r, err}
	}()

	select {
	case <-chain.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first claim never reached the chain")
	}
	assert.True(t, c.InFlight())

	dup, err := c.Claim(ctx)
	assert.NoError(t, err)
	assert.Nil(t, dup)

	// Different operations have their own latch.
	forfeitDone := make(chan error, 1)
	go func() {
		_, err := c.Forfeit(ctx)
		forfeitDone <- err
	}()
	select {
	case <-chain.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("forfeit was blocked by the claim latch")
	}

	close(chain.block)
	first := <-done
	require.NoError(t, first.err)
	require.NotNil(t, first.receipt)
	require.NoError(t, <-forfeitDone)

	assert.Equal(t, 1, chain.callCount(models.TxOpClaim))
	assert.False(t, c.InFlight())
}

func TestControllerFailureReleasesLatch(t *testing.T) {
	c, chain, clk := setupController(t)
	ctx := context.Background()

	chain.setWindow(openWindow(clk, time.Minute))
	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	chain.failReason = "execution reverted"
	_, err = c.Claim(ctx)
	var failure *models.TransactionFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "execution reverted", failure.Reason)
	assert.False(t, c.InFlight())

	chain.failReason = ""
	chain.submitErr = errors.New("rpc unavailable")
	_, err = c.Claim(ctx)
	assert.ErrorContains(t, err, "rpc unavailable")
	assert.False(t, c.InFlight())

	chain.submitErr = nil
	receipt, err := c.Claim(ctx)
	require.NoError(t, err)
	assert.NotNil(t, receipt)
	assert.Equal(t, 3, chain.callCount(models.TxOpClaim))
}

func TestControllerPlayRound(t *testing.T) {
	c, chain, _ := setupController(t)
	ctx := context.Background()

	_, err := c.PlayRound(ctx, models.Direction("sideways"), nil)
	assert.Error(t, err)
	assert.Zero(t, chain.callCount(models.TxOpPlay))

	chain.player.RoundsRemaining = 0
	guardErr := errors.New("out of rounds")
	_, err = c.PlayRound(ctx, models.DirectionForward, func(st *models.PlayerState) error {
		if st.RoundsRemaining <= 0 {
			return guardErr
		}
		return nil
	})
	assert.ErrorIs(t, err, guardErr)
	assert.Zero(t, chain.callCount(models.TxOpPlay))
	// The guard saw freshly read state.
	require.NotNil(t, c.PlayerState())
	assert.Equal(t, int64(0), c.PlayerState().RoundsRemaining)

	chain.player.RoundsRemaining = 2
	receipt, err := c.PlayRound(ctx, models.DirectionBackward, nil)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.PendingOpen)
	assert.Len(t, chain.lastSeed, 32)

	assert.Equal(t, int64(1), c.PlayerState().RoundsRemaining)
	assert.Equal(t, models.WindowPendingOpen, c.State())
}

func TestControllerRefreshError(t *testing.T) {
	c, chain, _ := setupController(t)
	chain.stateErr = errors.New("node down")

	_, err := c.Refresh(context.Background())
	assert.ErrorContains(t, err, "node down")

	_, err = c.PlayRound(context.Background(), models.DirectionForward, nil)
	assert.ErrorContains(t, err, "node down")
	assert.False(t, c.InFlight())
}

func TestControllerReadsChainBeforeValidating(t *testing.T) {
	c, chain, clk := setupController(t)
	ctx := context.Background()

	// Nothing mirrored yet; the chain holds the reward.
	chain.setWindow(openWindow(clk, time.Minute))
	receipt, err := c.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, "250", receipt.Amount.String())

	// Cleared on the chain behind a stale mirror.
	chain.setWindow(openWindow(clk, time.Minute))
	_, err = c.Refresh(ctx)
	require.NoError(t, err)
	chain.setWindow(models.DecisionWindow{})
	_, err = c.Forfeit(ctx)
	assert.ErrorIs(t, err, services.ErrNoPendingReward)
	assert.Zero(t, chain.callCount(models.TxOpForfeit))

	chain.setWindow(openWindow(clk, time.Minute))
	chain.mu.Lock()
	chain.stateErr = errors.New("node down")
	chain.mu.Unlock()
	_, err = c.Claim(ctx)
	assert.ErrorContains(t, err, "node down")
	_, err = c.Forfeit(ctx)
	assert.ErrorContains(t, err, "node down")
	assert.Equal(t, 1, chain.callCount(models.TxOpClaim))
	assert.False(t, c.InFlight())
}

func TestControllerForfeitAndPlayAreSingleFlight(t *testing.T) {
	tests := []struct {
		name string
		op   models.TxOp
		call func(*services.DecisionWindowController) (*models.Receipt, error)
	}{
		{"forfeit", models.TxOpForfeit, func(c *services.DecisionWindowController) (*models.Receipt, error) {
			return c.Forfeit(context.Background())
		}},
		{"play", models.TxOpPlay, func(c *services.DecisionWindowController) (*models.Receipt, error) {
			return c.PlayRound(context.Background(), models.DirectionForward, nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, chain, clk := setupController(t)
			if tt.op == models.TxOpForfeit {
				chain.setWindow(openWindow(clk, time.Minute))
			}
			chain.block = make(chan struct{})

			done := make(chan error, 1)
			go func() {
				r, err := tt.call(c)
				if err == nil && r == nil {
					err = errors.New("first call was absorbed")
				}
				done <- err
			}()

			select {
			case <-chain.entered:
			case <-time.After(2 * time.Second):
				t.Fatal("first call never reached the chain")
			}

			dup, err := tt.call(c)
			assert.NoError(t, err)
			assert.Nil(t, dup)

			close(chain.block)
			require.NoError(t, <-done)
			assert.Equal(t, 1, chain.callCount(tt.op))
			assert.False(t, c.InFlight())
		})
	}
}
