package simchain

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dicegame-backend/internal/models"
)

// Genesis is the initial contract state. Amounts are base-unit integers
// written as strings so they survive YAML without precision loss.
type Genesis struct {
	Board           []string      `yaml:"board"`
	PoolBalance     string        `yaml:"pool_balance"`
	Safety          SafetyGenesis `yaml:"safety"`
	BoostPpm        int64         `yaml:"boost_ppm"`
	DecisionWindow  time.Duration `yaml:"decision_window"`
	RoundsPerPlayer int64         `yaml:"rounds_per_player"`
	StartingBalance string        `yaml:"starting_balance"`
}

type SafetyGenesis struct {
	ReserveFloor         string `yaml:"reserve_floor"`
	TargetSafety         string `yaml:"target_safety"`
	MinScaleBps          int64  `yaml:"min_scale_bps"`
	UtilizationOffsetBps int64  `yaml:"utilization_offset_bps"`
	UtilizationSlopeBps  int64  `yaml:"utilization_slope_bps"`
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	return ParseGenesis(b)
}

func ParseGenesis(b []byte) (*Genesis, error) {
	var g Genesis
	if err := yaml.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *Genesis) Validate() error {
	if len(g.Board) == 0 {
		return errors.New("genesis: board must have at least one cell")
	}
	if _, err := g.Schedule(); err != nil {
		return err
	}
	if _, err := models.ParseAmount(g.PoolBalance); err != nil {
		return fmt.Errorf("genesis: pool_balance: %w", err)
	}
	if g.StartingBalance != "" {
		if _, err := models.ParseAmount(g.StartingBalance); err != nil {
			return fmt.Errorf("genesis: starting_balance: %w", err)
		}
	}
	cfg, err := g.SafetyConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("genesis: safety: %w", err)
	}
	if g.BoostPpm < 0 {
		return errors.New("genesis: boost_ppm must not be negative")
	}
	if g.DecisionWindow < 0 {
		return errors.New("genesis: decision_window must not be negative")
	}
	if g.RoundsPerPlayer <= 0 {
		return errors.New("genesis: rounds_per_player must be positive")
	}
	return nil
}

func (g *Genesis) Schedule() (models.BasePayoutSchedule, error) {
	return parseSchedule(g.Board)
}

func (g *Genesis) SafetyConfig() (*models.SafetyConfig, error) {
	floor, err := models.ParseAmount(g.Safety.ReserveFloor)
	if err != nil {
		return nil, fmt.Errorf("genesis: safety.reserve_floor: %w", err)
	}
	target, err := models.ParseAmount(g.Safety.TargetSafety)
	if err != nil {
		return nil, fmt.Errorf("genesis: safety.target_safety: %w", err)
	}
	return &models.SafetyConfig{
		ReserveFloor:         floor,
		TargetSafety:         target,
		MinScaleBps:          g.Safety.MinScaleBps,
		UtilizationOffsetBps: g.Safety.UtilizationOffsetBps,
		UtilizationSlopeBps:  g.Safety.UtilizationSlopeBps,
	}, nil
}

func parseSchedule(cells []string) (models.BasePayoutSchedule, error) {
	out := make(models.BasePayoutSchedule, len(cells))
	for i, raw := range cells {
		v, err := models.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("board cell %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func startingBalance(raw string) *big.Int {
	if raw == "" {
		return new(big.Int)
	}
	v, err := models.ParseAmount(raw)
	if err != nil {
		return new(big.Int)
	}
	return v
}
