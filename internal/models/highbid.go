package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HighBidState is the bidding phase of the active item
type HighBidState string

// HighBidState constants
const (
	HighBidOpen     HighBidState = "OPEN"
	HighBidLastCall HighBidState = "LASTCALL"
	HighBidSold     HighBidState = "SOLD"
)

// HighBid is the single authoritative winning bid for an item.
// BidCount increases on every accepted bid and on every watchdog
// transition, so long-poll clients can detect any change.
type HighBid struct {
	ItemID           int64           `json:"item_id"`
	AuctionID        int64           `json:"auction_id"`
	BidderID         int64           `json:"bidder_id"`
	BidID            string          `json:"bid_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	State            HighBidState    `json:"state"`
	BidCount         int             `json:"bid_count"`
	BiddingStartTime time.Time       `json:"bidding_start_time"`
	CurrentBidTime   time.Time       `json:"current_bid_time"`
	BiddingEndTime   time.Time       `json:"bidding_end_time"`
	Version          int64           `json:"version"`
}

// SameAs reports whether other describes the same point in the item's
// bidding history. Watchdogs use it to detect that a newer bid or
// transition superseded the snapshot they were armed with.
func (h *HighBid) SameAs(other *HighBid) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.ItemID == other.ItemID &&
		h.BidCount == other.BidCount &&
		h.State == other.State
}

// Clone returns a copy that can be handed to another goroutine
func (h *HighBid) Clone() *HighBid {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}
