package handlers

import (
	"math/big"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"dicegame-backend/internal/models"
)

// Amounts leave the API as base-unit strings next to their display value;
// JSON numbers cannot carry uint256-sized integers.

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func boardView(b *models.Board) gin.H {
	cells := make([]gin.H, 0, len(b.Cells))
	for _, c := range b.Cells {
		cells = append(cells, gin.H{
			"cell":    c.Cell,
			"base":    amountString(c.Base),
			"amount":  amountString(c.Amount),
			"display": c.Display,
		})
	}

	view := gin.H{
		"cells":       cells,
		"provisional": b.Provisional,
		"boost_ppm":   b.BoostPpm,
		"computed_at": b.ComputedAt,
	}
	if b.Provisional {
		view["reason"] = b.Reason
	} else {
		view["pool_balance"] = amountString(b.PoolBalance)
		view["safety_balance"] = amountString(b.SafetyBalance)
		view["recovery_bps"] = b.RecoveryBps
	}
	return view
}

func windowView(w models.DecisionWindow, state models.WindowState, remaining int64, decimals int32) gin.H {
	view := gin.H{
		"state":             state,
		"pending_active":    w.PendingActive,
		"deadline":          w.Deadline,
		"remaining_seconds": remaining,
	}
	if w.PendingActive {
		view["payout"] = amountString(w.Payout)
		view["payout_display"] = display(w.Payout, decimals)
	}
	return view
}

func snapshotView(s models.WindowSnapshot, decimals int32) gin.H {
	return windowView(s.DecisionWindow, s.State, s.RemainingSeconds, decimals)
}

func receiptView(r *models.Receipt, decimals int32) gin.H {
	view := gin.H{
		"hash":       r.Hash,
		"op":         r.Op,
		"status":     r.Status,
		"block_time": r.BlockTime,
	}
	if r.Op == models.TxOpPlay {
		view["roll"] = r.Roll
		view["cell"] = r.Cell
		view["pending_open"] = r.PendingOpen
	}
	if r.Amount != nil {
		view["amount"] = amountString(r.Amount)
		view["amount_display"] = display(r.Amount, decimals)
	}
	if r.Reason != "" {
		view["reason"] = r.Reason
	}
	return view
}

func playerView(st *models.PlayerState, decimals int32) gin.H {
	return gin.H{
		"address":          st.Address,
		"position":         st.Position,
		"rounds_remaining": st.RoundsRemaining,
		"balance":          amountString(st.Balance),
		"balance_display":  display(st.Balance, decimals),
		"nonce":            st.Nonce,
	}
}

func display(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return models.ToDisplay(v, decimals)
}
