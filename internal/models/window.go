package models

import (
	"fmt"
	"math/big"
	"time"
)

type WindowState string

const (
	WindowIdle           WindowState = "idle"
	WindowPendingOpen    WindowState = "pending_open"
	WindowPendingExpired WindowState = "pending_expired"
)

// DecisionWindow mirrors the chain's pending-reward state for one player.
// Deadline is a unix timestamp in seconds; 0 means no deadline is enforced.
type DecisionWindow struct {
	PendingActive bool     `json:"pending_active"`
	Deadline      int64    `json:"deadline"`
	Payout        *big.Int `json:"payout"`
}

// Expired reports whether the deadline has passed at now.
func (w DecisionWindow) Expired(now time.Time) bool {
	return w.Deadline > 0 && now.Unix() > w.Deadline
}

func (w DecisionWindow) State(now time.Time) WindowState {
	switch {
	case !w.PendingActive:
		return WindowIdle
	case w.Expired(now):
		return WindowPendingExpired
	default:
		return WindowPendingOpen
	}
}

// Remaining is the time left to claim, zero when expired or when there is no deadline.
func (w DecisionWindow) Remaining(now time.Time) time.Duration {
	if !w.PendingActive || w.Deadline == 0 {
		return 0
	}
	d := time.Unix(w.Deadline, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (w DecisionWindow) Clone() DecisionWindow {
	out := w
	if w.Payout != nil {
		out.Payout = new(big.Int).Set(w.Payout)
	}
	return out
}

// PlayerState is the chain's full view of a player.
type PlayerState struct {
	Address         string         `json:"address"`
	Position        int            `json:"position"`
	RoundsRemaining int64          `json:"rounds_remaining"`
	Balance         *big.Int       `json:"balance"`
	Nonce           int64          `json:"nonce"`
	Window          DecisionWindow `json:"window"`
}

type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
)

func (d Direction) Validate() error {
	switch d {
	case DirectionForward, DirectionBackward:
		return nil
	default:
		return fmt.Errorf("invalid direction: %q", d)
	}
}

// Step is the sign applied to a dice roll when moving on the board.
func (d Direction) Step() int {
	if d == DirectionBackward {
		return -1
	}
	return 1
}

// WindowSnapshot is the display view of a window at a point in time.
type WindowSnapshot struct {
	DecisionWindow
	State            WindowState `json:"state"`
	RemainingSeconds int64       `json:"remaining_seconds"`
}

func (w DecisionWindow) Snapshot(now time.Time) WindowSnapshot {
	return WindowSnapshot{
		DecisionWindow:   w.Clone(),
		State:            w.State(now),
		RemainingSeconds: int64(w.Remaining(now) / time.Second),
	}
}
