package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dicegame-backend/internal/models"
	"dicegame-backend/internal/payout"
)

var (
	ErrDecisionPending   = errors.New("pending decision must be resolved before playing")
	ErrNoRoundsRemaining = errors.New("no rounds remaining")
)

type GameplayOptions struct {
	Decimals    int32
	BoardTTL    time.Duration
	Now         func() time.Time
	Broadcaster Broadcaster
}

// GameplayService wires the payout engine and the per-player decision
// controllers to the chain, the Redis cache and the push channel.
type GameplayService struct {
	chain    Chain
	store    *RedisService
	decimals int32
	boardTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu          sync.Mutex
	broadcaster Broadcaster
	sessions    map[string]*DecisionWindowController
	lastState   map[string]models.WindowState
}

// NewGameplayService builds the facade. store may be nil, in which case boards
// are never cached and receipts are not kept.
func NewGameplayService(chain Chain, store *RedisService, opts GameplayOptions) *GameplayService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = nopBroadcaster{}
	}
	return &GameplayService{
		chain:       chain,
		store:       store,
		decimals:    opts.Decimals,
		boardTTL:    opts.BoardTTL,
		now:         opts.Now,
		logger:      slog.Default().With("component", "gameplay"),
		broadcaster: opts.Broadcaster,
		sessions:    make(map[string]*DecisionWindowController),
		lastState:   make(map[string]models.WindowState),
	}
}

func (g *GameplayService) SetBroadcaster(b Broadcaster) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b == nil {
		b = nopBroadcaster{}
	}
	g.broadcaster = b
}

func (g *GameplayService) bc() Broadcaster {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.broadcaster
}

// Session returns the player's controller, creating it on first use, and
// marks it as used.
func (g *GameplayService) Session(player string) *DecisionWindowController {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionLocked(player)
}

func (g *GameplayService) sessionLocked(player string) *DecisionWindowController {
	c, ok := g.sessions[player]
	if !ok {
		c = NewDecisionWindowController(g.chain, player, g.now)
		g.sessions[player] = c
	}
	c.touch()
	return c
}

// acquire hands out the player's controller pinned against eviction until
// release is called, so concurrent requests always share one instance.
func (g *GameplayService) acquire(player string) (c *DecisionWindowController, release func()) {
	g.mu.Lock()
	c = g.sessionLocked(player)
	c.users.Add(1)
	g.mu.Unlock()
	return c, func() { c.users.Add(-1) }
}

// EndSession drops the player's controller unless a request still holds it;
// a held controller stays in place and is left to the idle sweep.
func (g *GameplayService) EndSession(player string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.sessions[player]; ok && c.busy() {
		return false
	}
	delete(g.sessions, player)
	delete(g.lastState, player)
	return true
}

func (g *GameplayService) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Board returns the effective payout schedule. When the pool state or policy
// cannot be read the board carries the base schedule and is provisional.
func (g *GameplayService) Board(ctx context.Context) (*models.Board, error) {
	if g.store != nil {
		cached, err := g.store.GetBoard(ctx)
		if err != nil {
			g.logger.Warn("board cache read failed", "error", err)
		}
		if cached != nil {
			return cached, nil
		}
	}

	board, err := g.computeBoard(ctx)
	if err != nil {
		return nil, err
	}

	if g.store != nil {
		if err := g.store.SaveBoard(ctx, board, g.boardTTL); err != nil {
			g.logger.Warn("board cache write failed", "error", err)
		}
	}

	return board, nil
}

func (g *GameplayService) computeBoard(ctx context.Context) (*models.Board, error) {
	var (
		base        models.BasePayoutSchedule
		poolBalance *big.Int
		safety      *models.SafetyConfig
		boost       int64
	)
	var poolErr, safetyErr, boostErr error

	var eg errgroup.Group
	eg.Go(func() error {
		var err error
		base, err = g.chain.GetBasePayoutSchedule(ctx)
		return err
	})
	eg.Go(func() error {
		poolBalance, poolErr = g.chain.GetPoolBalance(ctx)
		return nil
	})
	eg.Go(func() error {
		safety, safetyErr = g.chain.GetSafetyConfig(ctx)
		return nil
	})
	eg.Go(func() error {
		boost, boostErr = g.chain.GetPayoutBoostPpm(ctx)
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("get base payout schedule: %w", err)
	}

	board := &models.Board{
		BoostPpm:   boost,
		ComputedAt: g.now().Unix(),
	}

	if readErr := errors.Join(poolErr, safetyErr, boostErr); readErr != nil {
		g.logger.Warn("payout inputs unavailable, serving unscaled board", "error", readErr)
		return g.provisional(board, base, readErr), nil
	}

	var pool *models.PoolState
	if poolBalance != nil && safety != nil && safety.ReserveFloor != nil {
		pool = models.NewPoolState(poolBalance, safety.ReserveFloor)
	}

	cells, err := payout.ComputeEffectivePayoutSchedule(base, boost, pool, safety, g.decimals)
	if err != nil {
		if errors.Is(err, payout.ErrIndeterminateSchedule) {
			return g.provisional(board, base, err), nil
		}
		return nil, fmt.Errorf("compute effective schedule: %w", err)
	}

	board.Cells = cells
	board.PoolBalance = pool.PoolBalance
	board.SafetyBalance = pool.SafetyBalance
	board.RecoveryBps = payout.ComputeRecoveryBps(pool.PoolBalance, safety)
	return board, nil
}

func (g *GameplayService) provisional(board *models.Board, base models.BasePayoutSchedule, cause error) *models.Board {
	board.Cells = payout.UnscaledSchedule(base, g.decimals)
	board.Provisional = true
	board.Reason = cause.Error()
	return board
}

// Window refreshes the player's window from the chain.
func (g *GameplayService) Window(ctx context.Context, player string) (models.WindowSnapshot, error) {
	c, release := g.acquire(player)
	defer release()

	w, err := c.Refresh(ctx)
	if err != nil {
		return models.WindowSnapshot{}, err
	}
	return w.Snapshot(g.now()), nil
}

// MirroredWindow returns the player's last mirrored window without a chain read.
func (g *GameplayService) MirroredWindow(player string) models.WindowSnapshot {
	return g.Session(player).Window().Snapshot(g.now())
}

func (g *GameplayService) Player(ctx context.Context, player string) (*models.PlayerState, error) {
	c, release := g.acquire(player)
	defer release()
	return c.RefreshPlayer(ctx)
}

func (g *GameplayService) Claim(ctx context.Context, player string) (*models.Receipt, error) {
	c, release := g.acquire(player)
	defer release()
	receipt, err := c.Claim(ctx)
	if err != nil || receipt == nil {
		return receipt, err
	}
	g.afterConfirmed(ctx, c, receipt)
	return receipt, nil
}

func (g *GameplayService) Forfeit(ctx context.Context, player string) (*models.Receipt, error) {
	c, release := g.acquire(player)
	defer release()
	receipt, err := c.Forfeit(ctx)
	if err != nil || receipt == nil {
		return receipt, err
	}
	g.afterConfirmed(ctx, c, receipt)
	return receipt, nil
}

// PlayRound refuses to play while a decision window is still open.
func (g *GameplayService) PlayRound(ctx context.Context, player string, direction models.Direction) (*models.Receipt, error) {
	c, release := g.acquire(player)
	defer release()

	receipt, err := c.PlayRound(ctx, direction, func(st *models.PlayerState) error {
		if st.Window.State(g.now()) == models.WindowPendingOpen {
			return ErrDecisionPending
		}
		if st.RoundsRemaining <= 0 {
			return ErrNoRoundsRemaining
		}
		return nil
	})
	if err != nil || receipt == nil {
		return receipt, err
	}
	g.afterConfirmed(ctx, c, receipt)
	return receipt, nil
}

func (g *GameplayService) History(ctx context.Context, player string, limit int64) ([]*models.Receipt, error) {
	if g.store == nil {
		return []*models.Receipt{}, nil
	}
	return g.store.GetPlayerReceipts(ctx, player, limit)
}

func (g *GameplayService) afterConfirmed(ctx context.Context, c *DecisionWindowController, receipt *models.Receipt) {
	if g.store != nil {
		if err := g.store.SaveReceipt(ctx, receipt); err != nil {
			g.logger.Warn("save receipt failed", "hash", receipt.Hash, "error", err)
		}
		if err := g.store.InvalidateBoard(ctx); err != nil {
			g.logger.Warn("board cache invalidation failed", "error", err)
		}
	}

	w := c.Window()
	state := w.State(g.now())
	g.mu.Lock()
	g.lastState[c.Player()] = state
	g.mu.Unlock()

	b := g.bc()
	b.BroadcastWindow(c.Player(), w, state)

	board, err := g.Board(ctx)
	if err != nil {
		g.logger.Warn("board refresh after transaction failed", "error", err)
		return
	}
	b.BroadcastBoard(board)
}

// Sweep pushes window state changes that happened without a transaction, such
// as a deadline passing, and evicts controllers idle for longer than idle.
func (g *GameplayService) Sweep(idle time.Duration) (evicted int) {
	now := g.now()

	type change struct {
		player string
		window models.DecisionWindow
		state  models.WindowState
	}
	var changes []change

	g.mu.Lock()
	for player, c := range g.sessions {
		if idle > 0 && now.Sub(c.LastUsed()) > idle && !c.busy() {
			delete(g.sessions, player)
			delete(g.lastState, player)
			evicted++
			continue
		}

		w := c.Window()
		state := w.State(now)
		if prev, ok := g.lastState[player]; ok && prev != state {
			changes = append(changes, change{player: player, window: w, state: state})
		}
		g.lastState[player] = state
	}
	b := g.broadcaster
	g.mu.Unlock()

	for _, ch := range changes {
		b.BroadcastWindow(ch.player, ch.window, ch.state)
	}

	if evicted > 0 {
		g.logger.Debug("evicted idle sessions", "count", evicted)
	}
	return evicted
}
