package simchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const dieFaces = 6

// RollDice derives a 1..6 roll from the server seed and the player's inputs.
// Anyone holding the revealed server seed can recompute it.
func RollDice(serverSeed, player, clientSeed string, nonce int64) int {
	message := fmt.Sprintf("dice:%s:%s:%d", player, clientSeed, nonce)
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(message))
	sum := h.Sum(nil)

	return int(binary.BigEndian.Uint32(sum[:4])%dieFaces) + 1
}

func SeedHash(serverSeed string) string {
	hash := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(hash[:])
}

// nextCell moves from a 1-based cell by roll steps in direction step,
// wrapping around a board of n cells.
func nextCell(cell, roll, step, n int) int {
	slot := (cell - 1 + roll*step) % n
	if slot < 0 {
		slot += n
	}
	return slot + 1
}
