package models

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// BpsScale is 100% in basis points.
	BpsScale int64 = 10_000
	// PpmScale is 100% in parts per million.
	PpmScale int64 = 1_000_000
)

// SafetyConfig is the pool's payout-safety policy as published by the chain.
type SafetyConfig struct {
	ReserveFloor         *big.Int `json:"reserve_floor"`
	TargetSafety         *big.Int `json:"target_safety"`
	MinScaleBps          int64    `json:"min_scale_bps"`
	UtilizationOffsetBps int64    `json:"utilization_offset_bps"`
	UtilizationSlopeBps  int64    `json:"utilization_slope_bps"`
}

func (c *SafetyConfig) Validate() error {
	if c.ReserveFloor == nil || c.TargetSafety == nil {
		return fmt.Errorf("reserve floor and target safety are required")
	}
	if c.ReserveFloor.Sign() < 0 {
		return fmt.Errorf("reserve floor must not be negative")
	}
	if c.MinScaleBps < 0 || c.MinScaleBps > BpsScale {
		return fmt.Errorf("min scale must be within [0, %d] bps, got %d", BpsScale, c.MinScaleBps)
	}
	if c.UtilizationOffsetBps < 0 || c.UtilizationSlopeBps < 0 {
		return fmt.Errorf("utilization offset and slope must not be negative")
	}
	return nil
}

// PoolState is a point-in-time read of the prize pool.
type PoolState struct {
	PoolBalance   *big.Int `json:"pool_balance"`
	SafetyBalance *big.Int `json:"safety_balance"`
}

// NewPoolState derives the safety balance as max(poolBalance - reserveFloor, 0).
func NewPoolState(poolBalance, reserveFloor *big.Int) *PoolState {
	safety := new(big.Int).Sub(poolBalance, reserveFloor)
	if safety.Sign() < 0 {
		safety.SetInt64(0)
	}
	return &PoolState{
		PoolBalance:   new(big.Int).Set(poolBalance),
		SafetyBalance: safety,
	}
}

// BasePayoutSchedule holds one signed base payout per board cell.
// Cell numbers are 1-based, slots are 0-based.
type BasePayoutSchedule []*big.Int

func (s BasePayoutSchedule) Cell(n int) (*big.Int, bool) {
	if n < 1 || n > len(s) {
		return nil, false
	}
	return s[n-1], true
}

type EffectiveCell struct {
	Cell    int             `json:"cell"`
	Base    *big.Int        `json:"base"`
	Amount  *big.Int        `json:"amount"`
	Display decimal.Decimal `json:"display"`
}

// EffectivePayoutSchedule is derived from a BasePayoutSchedule and never stored
// as authoritative data.
type EffectivePayoutSchedule []EffectiveCell

func (s EffectivePayoutSchedule) Amounts() []*big.Int {
	out := make([]*big.Int, len(s))
	for i, c := range s {
		out[i] = c.Amount
	}
	return out
}

// Board is what the presentation layer renders. Provisional boards carry the
// unscaled base schedule and must be flagged as such.
type Board struct {
	Cells         EffectivePayoutSchedule `json:"cells"`
	Provisional   bool                    `json:"provisional"`
	Reason        string                  `json:"reason,omitempty"`
	BoostPpm      int64                   `json:"boost_ppm"`
	PoolBalance   *big.Int                `json:"pool_balance,omitempty"`
	SafetyBalance *big.Int                `json:"safety_balance,omitempty"`
	RecoveryBps   int64                   `json:"recovery_bps,omitempty"`
	ComputedAt    int64                   `json:"computed_at"`
}
