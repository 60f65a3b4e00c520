// Package simchain is a development stand-in for the game contract. State
// lives in Redis and every transaction is applied atomically with
// WATCH/MULTI, so concurrent submissions behave like ordered blocks.
package simchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dicegame-backend/internal/models"
	"dicegame-backend/internal/payout"
)

const (
	keyGenesis = "chain:genesis"
	keyBoard   = "chain:board"
	keyPool    = "chain:pool"
	keySafety  = "chain:safety"
	keyBoost   = "chain:boost"
	keyParams  = "chain:params"
	keyPlayer  = "chain:player:%s"
	keyTx      = "chain:tx:%s"

	receiptTTL    = 24 * time.Hour
	maxTxAttempts = 8
	pollInterval  = 25 * time.Millisecond
)

// Revert reasons recorded on receipts.
const (
	ReasonPendingUnresolved = "pending decision unresolved"
	ReasonNoRounds          = "no rounds remaining"
	ReasonNoPendingReward   = "no pending reward"
	ReasonDecisionExpired   = "decision expired"
	ReasonBoardEmpty        = "board not configured"
)

var (
	ErrNotBootstrapped = errors.New("simchain: genesis not applied")
	ErrTxConflict      = errors.New("simchain: transaction conflicted too many times")
)

type Option func(*Chain)

func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

type Chain struct {
	rdb        *redis.Client
	serverSeed string
	now        func() time.Time
	logger     *slog.Logger
}

func New(rdb *redis.Client, serverSeed string, opts ...Option) *Chain {
	c := &Chain{
		rdb:        rdb,
		serverSeed: serverSeed,
		now:        time.Now,
		logger:     slog.Default().With("component", "simchain"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ServerSeedHash is published so players can verify rolls once the seed is
// revealed.
func (c *Chain) ServerSeedHash() string {
	return SeedHash(c.serverSeed)
}

// Bootstrap writes the genesis state unless one was already applied. It
// reports whether this call applied it.
func (c *Chain) Bootstrap(ctx context.Context, g *Genesis) (bool, error) {
	if err := g.Validate(); err != nil {
		return false, err
	}

	ok, err := c.rdb.SetNX(ctx, keyGenesis, c.now().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim genesis: %w", err)
	}
	if !ok {
		c.logger.Info("genesis already applied")
		return false, nil
	}

	board, err := json.Marshal(g.Board)
	if err != nil {
		return false, err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyBoard, board, 0)
		pipe.Set(ctx, keyPool, g.PoolBalance, 0)
		pipe.Set(ctx, keyBoost, g.BoostPpm, 0)
		pipe.HSet(ctx, keySafety, map[string]any{
			"reserve_floor":          g.Safety.ReserveFloor,
			"target_safety":          g.Safety.TargetSafety,
			"min_scale_bps":          g.Safety.MinScaleBps,
			"utilization_offset_bps": g.Safety.UtilizationOffsetBps,
			"utilization_slope_bps":  g.Safety.UtilizationSlopeBps,
		})
		pipe.HSet(ctx, keyParams, map[string]any{
			"decision_window_secs": int64(g.DecisionWindow / time.Second),
			"rounds_per_player":    g.RoundsPerPlayer,
			"starting_balance":     startingBalance(g.StartingBalance).String(),
		})
		return nil
	})
	if err != nil {
		c.rdb.Del(ctx, keyGenesis)
		return false, fmt.Errorf("write genesis: %w", err)
	}

	c.logger.Info("genesis applied", "cells", len(g.Board), "pool", g.PoolBalance)
	return true, nil
}

// Fund adds amount to the pool.
func (c *Chain) Fund(ctx context.Context, amount *big.Int) error {
	return c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		pool, err := readAmount(ctx, tx, keyPool)
		if err != nil {
			return err
		}
		pool.Add(pool, amount)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyPool, pool.String(), 0)
			return nil
		})
		return err
	}, keyPool)
}

// SetPayoutBoostPpm changes the advertised boost.
func (c *Chain) SetPayoutBoostPpm(ctx context.Context, ppm int64) error {
	if ppm < 0 {
		return errors.New("simchain: boost must not be negative")
	}
	return c.rdb.Set(ctx, keyBoost, ppm, 0).Err()
}

func (c *Chain) GetBasePayoutSchedule(ctx context.Context) (models.BasePayoutSchedule, error) {
	return readBoard(ctx, c.rdb)
}

func (c *Chain) GetPoolBalance(ctx context.Context) (*big.Int, error) {
	return readAmount(ctx, c.rdb, keyPool)
}

func (c *Chain) GetSafetyConfig(ctx context.Context) (*models.SafetyConfig, error) {
	return readSafety(ctx, c.rdb)
}

func (c *Chain) GetPayoutBoostPpm(ctx context.Context) (int64, error) {
	v, err := c.rdb.Get(ctx, keyBoost).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotBootstrapped
	}
	return v, err
}

func (c *Chain) GetPendingRewardState(ctx context.Context, player string) (models.DecisionWindow, error) {
	st, err := c.GetPlayerState(ctx, player)
	if err != nil {
		return models.DecisionWindow{}, err
	}
	return st.Window, nil
}

func (c *Chain) GetPlayerState(ctx context.Context, player string) (*models.PlayerState, error) {
	p, err := readParams(ctx, c.rdb)
	if err != nil {
		return nil, err
	}
	return readPlayer(ctx, c.rdb, player, p)
}

func (c *Chain) SubmitPlay(ctx context.Context, player string, direction models.Direction, seed string) (models.TxHandle, error) {
	if err := direction.Validate(); err != nil {
		return models.TxHandle{}, err
	}
	return c.execute(ctx, models.TxOpPlay, player, func(s *txState, r *models.Receipt) string {
		return c.applyPlay(s, r, direction, seed)
	})
}

func (c *Chain) SubmitClaim(ctx context.Context, player string) (models.TxHandle, error) {
	return c.execute(ctx, models.TxOpClaim, player, c.applyClaim)
}

func (c *Chain) SubmitForfeit(ctx context.Context, player string) (models.TxHandle, error) {
	return c.execute(ctx, models.TxOpForfeit, player, applyForfeit)
}

// AwaitConfirmation polls for the receipt until it appears or ctx ends.
func (c *Chain) AwaitConfirmation(ctx context.Context, handle models.TxHandle) (*models.Receipt, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		raw, err := c.rdb.Get(ctx, fmt.Sprintf(keyTx, handle.Hash)).Bytes()
		switch {
		case err == nil:
			var r models.Receipt
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("decode receipt: %w", err)
			}
			if r.Status == models.TxStatusReverted {
				return nil, &models.TransactionFailure{Hash: r.Hash, Op: r.Op, Reason: r.Reason}
			}
			return &r, nil
		case ctx.Err() != nil:
			return nil, &models.TransactionFailure{Hash: handle.Hash, Op: handle.Op, Reason: ctx.Err().Error()}
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, &models.TransactionFailure{Hash: handle.Hash, Op: handle.Op, Reason: ctx.Err().Error()}
		case <-ticker.C:
		}
	}
}

// txState is what a transaction may read and mutate.
type txState struct {
	player *models.PlayerState
	pool   *big.Int
	safety *models.SafetyConfig
	boost  int64
	board  models.BasePayoutSchedule
	params params
	now    time.Time
}

type applyFunc func(s *txState, r *models.Receipt) (revert string)

func (c *Chain) execute(ctx context.Context, op models.TxOp, player string, apply applyFunc) (models.TxHandle, error) {
	now := c.now()
	handle := models.TxHandle{
		Hash:        "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Op:          op,
		Player:      player,
		SubmittedAt: now.Unix(),
	}
	playerKey := fmt.Sprintf(keyPlayer, player)

	var receipt *models.Receipt
	txf := func(tx *redis.Tx) error {
		receipt = &models.Receipt{
			Hash:      handle.Hash,
			Op:        op,
			Player:    player,
			Status:    models.TxStatusConfirmed,
			BlockTime: now.Unix(),
		}

		s, err := loadState(ctx, tx, player, now)
		if err != nil {
			return err
		}
		if reason := apply(s, receipt); reason != "" {
			receipt.Status = models.TxStatusReverted
			receipt.Reason = reason
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, playerKey, encodePlayer(s.player))
			pipe.Set(ctx, keyPool, s.pool.String(), 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxTxAttempts; i++ {
		err = c.rdb.Watch(ctx, txf, playerKey, keyPool)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		return models.TxHandle{}, ErrTxConflict
	}
	if err != nil {
		return models.TxHandle{}, err
	}

	raw, err := json.Marshal(receipt)
	if err != nil {
		return models.TxHandle{}, err
	}
	if err := c.rdb.Set(ctx, fmt.Sprintf(keyTx, handle.Hash), raw, receiptTTL).Err(); err != nil {
		return models.TxHandle{}, fmt.Errorf("store receipt: %w", err)
	}

	c.logger.Debug("transaction applied",
		"op", op, "hash", handle.Hash, "player", player, "status", receipt.Status, "reason", receipt.Reason)
	return handle, nil
}

func (c *Chain) applyPlay(s *txState, r *models.Receipt, direction models.Direction, seed string) string {
	st := s.player
	if st.Window.PendingActive {
		if !st.Window.Expired(s.now) {
			return ReasonPendingUnresolved
		}
		st.Window = models.DecisionWindow{}
	}
	if st.RoundsRemaining <= 0 {
		return ReasonNoRounds
	}
	if len(s.board) == 0 {
		return ReasonBoardEmpty
	}

	roll := RollDice(c.serverSeed, st.Address, seed, st.Nonce)
	cell := nextCell(st.Position, roll, direction.Step(), len(s.board))

	pool := models.NewPoolState(s.pool, s.safety.ReserveFloor)
	base, _ := s.board.Cell(cell)
	amount := payout.EffectivePayout(base, s.boost, pool, s.safety)

	switch amount.Sign() {
	case 1:
		st.Window = models.DecisionWindow{PendingActive: true, Payout: new(big.Int).Set(amount)}
		if s.params.decisionWindow > 0 {
			st.Window.Deadline = s.now.Unix() + s.params.decisionWindow
		}
	case -1:
		penalty := new(big.Int).Neg(amount)
		if penalty.Cmp(st.Balance) > 0 {
			penalty.Set(st.Balance)
		}
		st.Balance.Sub(st.Balance, penalty)
		s.pool.Add(s.pool, penalty)
	}

	st.Position = cell
	st.RoundsRemaining--
	st.Nonce++

	r.Roll = roll
	r.Cell = cell
	r.Amount = amount
	r.PendingOpen = st.Window.PendingActive
	return ""
}

func (c *Chain) applyClaim(s *txState, r *models.Receipt) string {
	st := s.player
	if !st.Window.PendingActive {
		return ReasonNoPendingReward
	}
	if st.Window.Expired(s.now) {
		return ReasonDecisionExpired
	}

	amount := new(big.Int).Set(st.Window.Payout)
	if amount.Cmp(s.pool) > 0 {
		amount.Set(s.pool)
	}
	s.pool.Sub(s.pool, amount)
	st.Balance.Add(st.Balance, amount)
	st.Window = models.DecisionWindow{}

	r.Cell = st.Position
	r.Amount = amount
	return ""
}

func applyForfeit(s *txState, r *models.Receipt) string {
	st := s.player
	if !st.Window.PendingActive {
		return ReasonNoPendingReward
	}
	r.Cell = st.Position
	r.Amount = st.Window.Payout
	st.Window = models.DecisionWindow{}
	return ""
}

// reader is satisfied by both *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

type params struct {
	decisionWindow  int64
	roundsPerPlayer int64
	startingBalance *big.Int
}

func loadState(ctx context.Context, tx reader, player string, now time.Time) (*txState, error) {
	p, err := readParams(ctx, tx)
	if err != nil {
		return nil, err
	}
	st, err := readPlayer(ctx, tx, player, p)
	if err != nil {
		return nil, err
	}
	pool, err := readAmount(ctx, tx, keyPool)
	if err != nil {
		return nil, err
	}
	safety, err := readSafety(ctx, tx)
	if err != nil {
		return nil, err
	}
	boost, err := tx.Get(ctx, keyBoost).Int64()
	if err != nil {
		return nil, fmt.Errorf("read boost: %w", err)
	}
	board, err := readBoard(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &txState{
		player: st,
		pool:   pool,
		safety: safety,
		boost:  boost,
		board:  board,
		params: p,
		now:    now,
	}, nil
}

func readAmount(ctx context.Context, r reader, key string) (*big.Int, error) {
	raw, err := r.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotBootstrapped
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return models.ParseAmount(raw)
}

func readBoard(ctx context.Context, r reader) (models.BasePayoutSchedule, error) {
	raw, err := r.Get(ctx, keyBoard).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotBootstrapped
	}
	if err != nil {
		return nil, fmt.Errorf("read board: %w", err)
	}
	var cells []string
	if err := json.Unmarshal(raw, &cells); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}
	return parseSchedule(cells)
}

func readSafety(ctx context.Context, r reader) (*models.SafetyConfig, error) {
	h, err := r.HGetAll(ctx, keySafety).Result()
	if err != nil {
		return nil, fmt.Errorf("read safety config: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrNotBootstrapped
	}
	g := Genesis{Safety: SafetyGenesis{
		ReserveFloor:         h["reserve_floor"],
		TargetSafety:         h["target_safety"],
		MinScaleBps:          atoi64(h["min_scale_bps"]),
		UtilizationOffsetBps: atoi64(h["utilization_offset_bps"]),
		UtilizationSlopeBps:  atoi64(h["utilization_slope_bps"]),
	}}
	return g.SafetyConfig()
}

func readParams(ctx context.Context, r reader) (params, error) {
	h, err := r.HGetAll(ctx, keyParams).Result()
	if err != nil {
		return params{}, fmt.Errorf("read params: %w", err)
	}
	if len(h) == 0 {
		return params{}, ErrNotBootstrapped
	}
	return params{
		decisionWindow:  atoi64(h["decision_window_secs"]),
		roundsPerPlayer: atoi64(h["rounds_per_player"]),
		startingBalance: startingBalance(h["starting_balance"]),
	}, nil
}

// readPlayer returns the stored player, or a fresh one at cell 1 with the
// genesis allowance when the address has never played.
func readPlayer(ctx context.Context, r reader, player string, p params) (*models.PlayerState, error) {
	h, err := r.HGetAll(ctx, fmt.Sprintf(keyPlayer, player)).Result()
	if err != nil {
		return nil, fmt.Errorf("read player: %w", err)
	}
	if len(h) == 0 {
		return &models.PlayerState{
			Address:         player,
			Position:        1,
			RoundsRemaining: p.roundsPerPlayer,
			Balance:         new(big.Int).Set(p.startingBalance),
		}, nil
	}
	return decodePlayer(player, h)
}

func encodePlayer(st *models.PlayerState) map[string]any {
	pending := "0"
	if st.Window.Payout != nil {
		pending = st.Window.Payout.String()
	}
	return map[string]any{
		"position":         st.Position,
		"rounds_remaining": st.RoundsRemaining,
		"balance":          st.Balance.String(),
		"nonce":            st.Nonce,
		"pending_active":   strconv.FormatBool(st.Window.PendingActive),
		"pending_deadline": st.Window.Deadline,
		"pending_payout":   pending,
	}
}

func decodePlayer(player string, h map[string]string) (*models.PlayerState, error) {
	balance, err := models.ParseAmount(h["balance"])
	if err != nil {
		return nil, fmt.Errorf("decode player balance: %w", err)
	}
	pending, _ := strconv.ParseBool(h["pending_active"])
	st := &models.PlayerState{
		Address:         player,
		Position:        int(atoi64(h["position"])),
		RoundsRemaining: atoi64(h["rounds_remaining"]),
		Balance:         balance,
		Nonce:           atoi64(h["nonce"]),
	}
	if pending {
		amount, err := models.ParseAmount(h["pending_payout"])
		if err != nil {
			return nil, fmt.Errorf("decode pending payout: %w", err)
		}
		st.Window = models.DecisionWindow{
			PendingActive: true,
			Deadline:      atoi64(h["pending_deadline"]),
			Payout:        amount,
		}
	}
	return st, nil
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
