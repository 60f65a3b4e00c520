package models

import (
	"fmt"
	"math/big"
)

type TxOp string

const (
	TxOpPlay    TxOp = "play"
	TxOpClaim   TxOp = "claim"
	TxOpForfeit TxOp = "forfeit"
)

type TxStatus string

const (
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusReverted  TxStatus = "reverted"
)

// TxHandle identifies a submitted transaction until it confirms.
type TxHandle struct {
	Hash        string `json:"hash"`
	Op          TxOp   `json:"op"`
	Player      string `json:"player"`
	SubmittedAt int64  `json:"submitted_at"`
}

type Receipt struct {
	Hash        string   `json:"hash"`
	Op          TxOp     `json:"op"`
	Player      string   `json:"player"`
	Status      TxStatus `json:"status"`
	Reason      string   `json:"reason,omitempty"`
	BlockTime   int64    `json:"block_time"`
	Roll        int      `json:"roll,omitempty"`
	Cell        int      `json:"cell,omitempty"`
	Amount      *big.Int `json:"amount,omitempty"`
	PendingOpen bool     `json:"pending_open,omitempty"`
}

// TransactionFailure is returned when a transaction is reverted or cannot be
// confirmed. It is passed through to callers uninterpreted.
type TransactionFailure struct {
	Hash   string
	Op     TxOp
	Reason string
}

func (e *TransactionFailure) Error() string {
	if e.Hash == "" {
		return fmt.Sprintf("%s transaction failed: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s transaction %s failed: %s", e.Op, e.Hash, e.Reason)
}
