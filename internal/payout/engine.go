// Package payout converts a board's base payout schedule into the schedule
// players actually receive, given the prize pool's balance and safety policy.
//
// Every function here is pure and safe to call concurrently.
package payout

import (
	"errors"
	"math/big"

	"dicegame-backend/internal/models"
)

// ErrIndeterminateSchedule is returned when pool state or safety policy is
// unavailable. Callers fall back to the unscaled base schedule and must flag
// it as provisional.
var ErrIndeterminateSchedule = errors.New("payout schedule indeterminate: pool state or safety config unavailable")

var (
	bps    = big.NewInt(models.BpsScale)
	bpsSq  = big.NewInt(models.BpsScale * models.BpsScale)
	ppm    = big.NewInt(models.PpmScale)
	bigOne = big.NewInt(1)
)

// ApplyBoost returns magnitude + magnitude*boostPpm/1e6.
func ApplyBoost(magnitude *big.Int, boostPpm int64) *big.Int {
	if boostPpm <= 0 {
		return new(big.Int).Set(magnitude)
	}
	bonus := new(big.Int).Mul(magnitude, big.NewInt(boostPpm))
	bonus.Quo(bonus, ppm)
	return bonus.Add(bonus, magnitude)
}

// ComputeScaleBps penalises a single payout by how much of the safety cushion
// it would consume. The result lies in [minScaleBps, 10000] and never
// increases as amount grows against a fixed safety balance.
func ComputeScaleBps(amount, safetyBalance *big.Int, cfg *models.SafetyConfig) int64 {
	floor := minScale(cfg)
	if safetyBalance == nil || safetyBalance.Sign() <= 0 {
		return floor
	}

	utilization := new(big.Int).Mul(amount, bps)
	utilization.Quo(utilization, safetyBalance)

	offset := big.NewInt(cfg.UtilizationOffsetBps)
	if utilization.Cmp(offset) <= 0 || cfg.UtilizationSlopeBps == 0 {
		return models.BpsScale
	}

	excess := utilization.Sub(utilization, offset)
	denom := excess.Mul(excess, big.NewInt(cfg.UtilizationSlopeBps))
	denom.Quo(denom, bps)
	denom.Add(denom, bps)
	if denom.Sign() <= 0 {
		return floor
	}

	scale := new(big.Int).Quo(bpsSq, denom)
	return clampBps(scale, floor)
}

// ComputeRecoveryBps scales payouts back up as the pool recovers from the
// reserve floor towards the target. Non-decreasing in poolBalance.
//
// A misconfigured policy (target at or below the floor) fails open to 10000.
func ComputeRecoveryBps(poolBalance *big.Int, cfg *models.SafetyConfig) int64 {
	if cfg.TargetSafety.Cmp(cfg.ReserveFloor) <= 0 {
		return models.BpsScale
	}
	floor := minScale(cfg)
	if poolBalance.Cmp(cfg.ReserveFloor) <= 0 {
		return floor
	}
	if poolBalance.Cmp(cfg.TargetSafety) >= 0 {
		return models.BpsScale
	}

	span := new(big.Int).Sub(cfg.TargetSafety, cfg.ReserveFloor)
	recovery := new(big.Int).Sub(poolBalance, cfg.ReserveFloor)
	recovery.Mul(recovery, bps)
	recovery.Quo(recovery, span)
	return clampBps(recovery, floor)
}

// ApplySafetyScaling returns amount * scale * recovery / 1e8. The result
// never exceeds amount.
func ApplySafetyScaling(amount, poolBalance, safetyBalance *big.Int, cfg *models.SafetyConfig) *big.Int {
	scale := ComputeScaleBps(amount, safetyBalance, cfg)
	recovery := ComputeRecoveryBps(poolBalance, cfg)

	out := new(big.Int).Mul(amount, big.NewInt(scale))
	out.Mul(out, big.NewInt(recovery))
	return out.Quo(out, bpsSq)
}

// EffectivePayout scales a single signed base payout. The sign of v is always
// preserved: penalty cells stay penalties, zero cells stay zero.
func EffectivePayout(v *big.Int, boostPpm int64, pool *models.PoolState, cfg *models.SafetyConfig) *big.Int {
	if v.Sign() == 0 {
		return new(big.Int)
	}

	magnitude := new(big.Int).Abs(v)
	boosted := ApplyBoost(magnitude, boostPpm)
	scaled := ApplySafetyScaling(boosted, pool.PoolBalance, pool.SafetyBalance, cfg)

	// Integer division can truncate a tiny non-zero payout to zero, which
	// would erase the cell's sign.
	if scaled.Sign() == 0 {
		scaled.Set(bigOne)
	}
	if v.Sign() < 0 {
		scaled.Neg(scaled)
	}
	return scaled
}

// ComputeEffectivePayoutSchedule scales every cell of base. decimals is the
// token precision used for the display value.
func ComputeEffectivePayoutSchedule(
	base models.BasePayoutSchedule,
	boostPpm int64,
	pool *models.PoolState,
	cfg *models.SafetyConfig,
	decimals int32,
) (models.EffectivePayoutSchedule, error) {
	if pool == nil || pool.PoolBalance == nil || pool.SafetyBalance == nil {
		return nil, ErrIndeterminateSchedule
	}
	if cfg == nil || cfg.ReserveFloor == nil || cfg.TargetSafety == nil {
		return nil, ErrIndeterminateSchedule
	}

	out := make(models.EffectivePayoutSchedule, len(base))
	for i, v := range base {
		if v == nil {
			v = new(big.Int)
		}
		amount := EffectivePayout(v, boostPpm, pool, cfg)
		out[i] = models.EffectiveCell{
			Cell:    i + 1,
			Base:    new(big.Int).Set(v),
			Amount:  amount,
			Display: models.ToDisplay(amount, decimals),
		}
	}
	return out, nil
}

// UnscaledSchedule is the fallback view when scaling is indeterminate.
func UnscaledSchedule(base models.BasePayoutSchedule, decimals int32) models.EffectivePayoutSchedule {
	out := make(models.EffectivePayoutSchedule, len(base))
	for i, v := range base {
		if v == nil {
			v = new(big.Int)
		}
		out[i] = models.EffectiveCell{
			Cell:    i + 1,
			Base:    new(big.Int).Set(v),
			Amount:  new(big.Int).Set(v),
			Display: models.ToDisplay(v, decimals),
		}
	}
	return out
}

func minScale(cfg *models.SafetyConfig) int64 {
	switch {
	case cfg.MinScaleBps < 0:
		return 0
	case cfg.MinScaleBps > models.BpsScale:
		return models.BpsScale
	default:
		return cfg.MinScaleBps
	}
}

func clampBps(v *big.Int, floor int64) int64 {
	if v.Cmp(big.NewInt(floor)) < 0 {
		return floor
	}
	if v.Cmp(bps) > 0 {
		return models.BpsScale
	}
	return v.Int64()
}
