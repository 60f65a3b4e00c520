package services

import "time"

const (
	KeyPlayerSession  = "player:%s:session:%s"
	KeyBoardSnapshot  = "board:snapshot"
	KeyReceipt        = "receipt:%s"
	KeyPlayerReceipts = "player:%s:receipts"
	KeyRateLimit      = "ratelimit:%s:%s"

	TTLPlayerSession = 24 * time.Hour
	TTLReceipt       = 30 * 24 * time.Hour // 30 days

	MaxReceiptsPerPlayer = 100

	DefaultRateLimitPlay     = 30 // Max 30 plays per minute
	DefaultRateLimitDecision = 60 // Max 60 claims/forfeits per minute
)
