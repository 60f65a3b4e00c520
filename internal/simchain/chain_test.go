package simchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicegame-backend/internal/models"
)

const (
	testSeed   = "test-server-seed"
	testPlayer = "0x00000000000000000000000000000000000000aa"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// A pool far above target with zero slope leaves every payout unscaled.
func testGenesis(board ...string) *Genesis {
	return &Genesis{
		Board:       board,
		PoolBalance: "1000000",
		Safety: SafetyGenesis{
			ReserveFloor: "0",
			TargetSafety: "1000",
			MinScaleBps:  5000,
		},
		DecisionWindow:  time.Minute,
		RoundsPerPlayer: 3,
		StartingBalance: "500",
	}
}

func setupChain(t *testing.T, g *Genesis) (*Chain, *clock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(rdb, testSeed, WithClock(clk.Now))

	applied, err := c.Bootstrap(context.Background(), g)
	require.NoError(t, err)
	require.True(t, applied)
	return c, clk
}

func play(t *testing.T, c *Chain, dir models.Direction) (*models.Receipt, error) {
	t.Helper()
	ctx := context.Background()
	h, err := c.SubmitPlay(ctx, testPlayer, dir, "client-seed")
	require.NoError(t, err)
	return c.AwaitConfirmation(ctx, h)
}

func requireRevert(t *testing.T, err error, reason string) {
	t.Helper()
	var failure *models.TransactionFailure
	require.True(t, errors.As(err, &failure), "expected transaction failure, got %v", err)
	assert.Equal(t, reason, failure.Reason)
}

func TestBootstrapAppliesOnce(t *testing.T) {
	c, _ := setupChain(t, testGenesis("10", "-5"))
	ctx := context.Background()

	applied, err := c.Bootstrap(ctx, testGenesis("99"))
	require.NoError(t, err)
	assert.False(t, applied)

	base, err := c.GetBasePayoutSchedule(ctx)
	require.NoError(t, err)
	require.Len(t, base, 2)
	assert.Equal(t, "-5", base[1].String())

	pool, err := c.GetPoolBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000000", pool.String())

	cfg, err := c.GetSafetyConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), cfg.MinScaleBps)
	assert.Equal(t, "1000", cfg.TargetSafety.String())

	st, err := c.GetPlayerState(ctx, testPlayer)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Position)
	assert.Equal(t, int64(3), st.RoundsRemaining)
	assert.Equal(t, "500", st.Balance.String())
	assert.False(t, st.Window.PendingActive)
}

func TestReadsBeforeGenesis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := New(rdb, testSeed)
	ctx := context.Background()

	_, err := c.GetPoolBalance(ctx)
	assert.ErrorIs(t, err, ErrNotBootstrapped)
	_, err = c.GetPayoutBoostPpm(ctx)
	assert.ErrorIs(t, err, ErrNotBootstrapped)
	_, err = c.GetSafetyConfig(ctx)
	assert.ErrorIs(t, err, ErrNotBootstrapped)
	_, err = c.GetPlayerState(ctx, testPlayer)
	assert.ErrorIs(t, err, ErrNotBootstrapped)
}

func TestPlayOpensDecisionWindow(t *testing.T) {
	c, clk := setupChain(t, testGenesis("100", "200", "300", "400", "500", "600"))

	r, err := play(t, c, models.DirectionForward)
	require.NoError(t, err)

	roll := RollDice(testSeed, testPlayer, "client-seed", 0)
	cell := nextCell(1, roll, 1, 6)
	assert.Equal(t, roll, r.Roll)
	assert.Equal(t, cell, r.Cell)
	assert.Equal(t, int64(cell*100), r.Amount.Int64())
	assert.True(t, r.PendingOpen)

	st, err := c.GetPlayerState(context.Background(), testPlayer)
	require.NoError(t, err)
	assert.Equal(t, cell, st.Position)
	assert.Equal(t, int64(2), st.RoundsRemaining)
	assert.Equal(t, int64(1), st.Nonce)
	assert.True(t, st.Window.PendingActive)
	assert.Equal(t, clk.Now().Unix()+60, st.Window.Deadline)
	assert.Equal(t, r.Amount.String(), st.Window.Payout.String())
}

func TestPlayRevertsWhilePending(t *testing.T) {
	c, clk := setupChain(t, testGenesis("100", "100", "100"))

	_, err := play(t, c, models.DirectionForward)
	require.NoError(t, err)

	_, err = play(t, c, models.DirectionBackward)
	requireRevert(t, err, ReasonPendingUnresolved)

	// An expired window is forfeited by the next play.
	clk.Advance(61 * time.Second)
	r, err := play(t, c, models.DirectionBackward)
	require.NoError(t, err)
	assert.True(t, r.PendingOpen)
}

func TestClaimPaysOut(t *testing.T) {
	c, _ := setupChain(t, testGenesis("250", "250"))
	ctx := context.Background()

	_, err := play(t, c, models.DirectionForward)
	require.NoError(t, err)

	h, err := c.SubmitClaim(ctx, testPlayer)
	require.NoError(t, err)
	r, err := c.AwaitConfirmation(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "250", r.Amount.String())

	st, err := c.GetPlayerState(ctx, testPlayer)
	require.NoError(t, err)
	assert.Equal(t, "750", st.Balance.String())
	assert.False(t, st.Window.PendingActive)

	pool, err := c.GetPoolBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "999750", pool.String())

	h, err = c.SubmitClaim(ctx, testPlayer)
	require.NoError(t, err)
	_, err = c.AwaitConfirmation(ctx, h)
	requireRevert(t, err, ReasonNoPendingReward)
}

func TestClaimAfterDeadlineReverts(t *testing.T) {
	c, clk := setupChain(t, testGenesis("250"))
	ctx := context.Background()

	_, err := play(t, c, models.DirectionForward)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	h, err := c.SubmitClaim(ctx, testPlayer)
	require.NoError(t, err)
	_, err = c.AwaitConfirmation(ctx, h)
	requireRevert(t, err, ReasonDecisionExpired)

	h, err = c.SubmitForfeit(ctx, testPlayer)
	require.NoError(t, err)
	r, err := c.AwaitConfirmation(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "250", r.Amount.String())

	w, err := c.GetPendingRewardState(ctx, testPlayer)
	require.NoError(t, err)
	assert.False(t, w.PendingActive)
}

func TestPenaltyFlowsToPool(t *testing.T) {
	tests := []struct {
		name        string
		starting    string
		wantBalance string
		wantPool    string
	}{
		{"covered", "500", "300", "1000200"},
		{"floored at zero", "150", "0", "1000150"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGenesis("-200", "-200")
			g.StartingBalance = tt.starting
			c, _ := setupChain(t, g)
			ctx := context.Background()

			r, err := play(t, c, models.DirectionForward)
			require.NoError(t, err)
			assert.False(t, r.PendingOpen)
			assert.Equal(t, "-200", r.Amount.String())

			st, err := c.GetPlayerState(ctx, testPlayer)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBalance, st.Balance.String())

			pool, err := c.GetPoolBalance(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPool, pool.String())
		})
	}
}

func TestRoundsRunOut(t *testing.T) {
	g := testGenesis("0")
	g.RoundsPerPlayer = 1
	c, _ := setupChain(t, g)

	_, err := play(t, c, models.DirectionForward)
	require.NoError(t, err)

	_, err = play(t, c, models.DirectionForward)
	requireRevert(t, err, ReasonNoRounds)
}

func TestConcurrentClaimsPayOnce(t *testing.T) {
	c, _ := setupChain(t, testGenesis("400"))
	ctx := context.Background()

	_, err := play(t, c, models.DirectionForward)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.SubmitClaim(ctx, testPlayer)
			if err != nil {
				return
			}
			if _, err := c.AwaitConfirmation(ctx, h); err == nil {
				mu.Lock()
				confirmed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, confirmed)
	st, err := c.GetPlayerState(ctx, testPlayer)
	require.NoError(t, err)
	assert.Equal(t, "900", st.Balance.String())
}

func TestFundAndBoost(t *testing.T) {
	c, _ := setupChain(t, testGenesis("100"))
	ctx := context.Background()

	require.NoError(t, c.Fund(ctx, big.NewInt(5)))
	pool, err := c.GetPoolBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000005", pool.String())

	require.NoError(t, c.SetPayoutBoostPpm(ctx, 100_000))
	boost, err := c.GetPayoutBoostPpm(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), boost)
	assert.Error(t, c.SetPayoutBoostPpm(ctx, -1))

	r, err := play(t, c, models.DirectionForward)
	require.NoError(t, err)
	assert.Equal(t, "110", r.Amount.String())
}

func TestAwaitUnknownTransaction(t *testing.T) {
	c, _ := setupChain(t, testGenesis("1"))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := c.AwaitConfirmation(ctx, models.TxHandle{Hash: "0xmissing", Op: models.TxOpClaim})
	var failure *models.TransactionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "0xmissing", failure.Hash)
}
