package models

import "time"

// AuctionState is the lifecycle state of an auction
type AuctionState string

// AuctionState constants
const (
	AuctionFuture   AuctionState = "FUTURE"
	AuctionPending  AuctionState = "PENDING"
	AuctionRunning  AuctionState = "RUNNING"
	AuctionComplete AuctionState = "COMPLETE"
	AuctionInvalid  AuctionState = "INVALID"
)

// Auction is a scheduled sequence of items sold one after another
type Auction struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Category  string       `json:"category,omitempty"`
	State     AuctionState `json:"state"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time,omitempty"`
	UserID    int64        `json:"user_id"`
	Version   int64        `json:"version"`
}
