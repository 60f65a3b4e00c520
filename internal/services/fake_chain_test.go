package services_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"dicegame-backend/internal/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeChain is an in-memory contract. Submissions can be held open with
// block to observe in-flight behaviour.
type fakeChain struct {
	mu  sync.Mutex
	now func() time.Time

	base    models.BasePayoutSchedule
	baseErr error

	pool      *big.Int
	poolErr   error
	safety    *models.SafetyConfig
	safetyErr error
	boost     int64
	boostErr  error

	player   models.PlayerState
	stateErr error

	submitErr  error
	failReason string

	// entered receives once per submission; block, when set, holds the
	// submission until closed.
	entered chan models.TxOp
	block   chan struct{}

	calls    map[models.TxOp]int
	seq      int
	lastSeed string
}

func newFakeChain(now func() time.Time) *fakeChain {
	return &fakeChain{
		now:  now,
		base: models.BasePayoutSchedule{big.NewInt(100), big.NewInt(-50), big.NewInt(0), big.NewInt(400)},
		pool: big.NewInt(1_000_000),
		safety: &models.SafetyConfig{
			ReserveFloor:         big.NewInt(100_000),
			TargetSafety:         big.NewInt(500_000),
			MinScaleBps:          2500,
			UtilizationOffsetBps: 0,
			UtilizationSlopeBps:  10_000,
		},
		player: models.PlayerState{
			Address:         testPlayer,
			Position:        1,
			RoundsRemaining: 5,
			Balance:         big.NewInt(0),
		},
		entered: make(chan models.TxOp, 16),
		calls:   make(map[models.TxOp]int),
	}
}

func (f *fakeChain) setWindow(w models.DecisionWindow) {
	f.mu.Lock()
	f.player.Window = w
	f.mu.Unlock()
}

func (f *fakeChain) callCount(op models.TxOp) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeChain) GetBasePayoutSchedule(context.Context) (models.BasePayoutSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base, f.baseErr
}

func (f *fakeChain) GetPoolBalance(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.poolErr != nil {
		return nil, f.poolErr
	}
	return new(big.Int).Set(f.pool), nil
}

func (f *fakeChain) GetSafetyConfig(context.Context) (*models.SafetyConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.safety, f.safetyErr
}

func (f *fakeChain) GetPayoutBoostPpm(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boost, f.boostErr
}

func (f *fakeChain) GetPendingRewardState(context.Context, string) (models.DecisionWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return models.DecisionWindow{}, f.stateErr
	}
	return f.player.Window.Clone(), nil
}

func (f *fakeChain) GetPlayerState(context.Context, string) (*models.PlayerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	st := f.player
	st.Balance = new(big.Int).Set(f.player.Balance)
	st.Window = f.player.Window.Clone()
	return &st, nil
}

func (f *fakeChain) SubmitClaim(ctx context.Context, player string) (models.TxHandle, error) {
	return f.submit(ctx, models.TxOpClaim, player)
}

func (f *fakeChain) SubmitForfeit(ctx context.Context, player string) (models.TxHandle, error) {
	return f.submit(ctx, models.TxOpForfeit, player)
}

func (f *fakeChain) SubmitPlay(ctx context.Context, player string, _ models.Direction, seed string) (models.TxHandle, error) {
	f.mu.Lock()
	f.lastSeed = seed
	f.mu.Unlock()
	return f.submit(ctx, models.TxOpPlay, player)
}

func (f *fakeChain) submit(ctx context.Context, op models.TxOp, player string) (models.TxHandle, error) {
	f.mu.Lock()
	f.calls[op]++
	f.seq++
	seq := f.seq
	block := f.block
	err := f.submitErr
	f.mu.Unlock()

	f.entered <- op
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.TxHandle{}, ctx.Err()
		}
	}
	if err != nil {
		return models.TxHandle{}, err
	}
	return models.TxHandle{
		Hash:        fmt.Sprintf("0x%04d", seq),
		Op:          op,
		Player:      player,
		SubmittedAt: f.now().Unix(),
	}, nil
}

func (f *fakeChain) AwaitConfirmation(_ context.Context, h models.TxHandle) (*models.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failReason != "" {
		return nil, &models.TransactionFailure{Hash: h.Hash, Op: h.Op, Reason: f.failReason}
	}

	r := &models.Receipt{
		Hash:      h.Hash,
		Op:        h.Op,
		Player:    h.Player,
		Status:    models.TxStatusConfirmed,
		BlockTime: f.now().Unix(),
	}
	switch h.Op {
	case models.TxOpClaim:
		r.Amount = f.player.Window.Payout
		if r.Amount != nil {
			f.player.Balance.Add(f.player.Balance, r.Amount)
		}
		f.player.Window = models.DecisionWindow{}
	case models.TxOpForfeit:
		r.Amount = f.player.Window.Payout
		f.player.Window = models.DecisionWindow{}
	case models.TxOpPlay:
		f.player.RoundsRemaining--
		f.player.Nonce++
		r.Roll = 3
		r.Cell = 4
		r.Amount = big.NewInt(400)
		r.PendingOpen = true
		f.player.Window = models.DecisionWindow{
			PendingActive: true,
			Deadline:      f.now().Add(time.Minute).Unix(),
			Payout:        big.NewInt(400),
		}
	}
	return r, nil
}

type windowEvent struct {
	player string
	state  models.WindowState
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	windows []windowEvent
	boards  []*models.Board
}

func (b *recordingBroadcaster) BroadcastWindow(player string, _ models.DecisionWindow, state models.WindowState) {
	b.mu.Lock()
	b.windows = append(b.windows, windowEvent{player: player, state: state})
	b.mu.Unlock()
}

func (b *recordingBroadcaster) BroadcastBoard(board *models.Board) {
	b.mu.Lock()
	b.boards = append(b.boards, board)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) windowEvents() []windowEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]windowEvent(nil), b.windows...)
}

func (b *recordingBroadcaster) boardCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.boards)
}
