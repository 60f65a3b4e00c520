package models

import "time"

// PlayerSession is an authenticated browser session bound to one wallet address.
type PlayerSession struct {
	SessionID    string    `json:"session_id"`
	Address      string    `json:"address"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

type SessionRequest struct {
	Address string `json:"address" binding:"required"`
}

type PlayRequest struct {
	Direction Direction `json:"direction" binding:"required"`
}
