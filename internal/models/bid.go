package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidState is the outcome recorded on a submitted bid
type BidState string

// BidState constants
const (
	BidReceived          BidState = "RECEIVED"
	BidProvisionallyHigh BidState = "PROVISIONALLYHIGH"
	BidHigh              BidState = "HIGH"
	BidInsufficientFunds BidState = "INSUFFICIENTFUNDS"
	BidItemSold          BidState = "ITEMSOLD"
	BidNoSuchUser        BidState = "NOSUCHUSER"

	// Recorded for bids that never reach the accept transaction
	BidAfterHigher   BidState = "AFTERHIGHER"
	BidItemNotActive BidState = "ITEMNOTACTIVE"
)

// Bid represents a single submission in the append-only bid log
type Bid struct {
	ID            string          `json:"id"`
	AuctionID     int64           `json:"auction_id"`
	ItemID        int64           `json:"item_id"`
	BidderID      int64           `json:"bidder_id"`
	Amount        decimal.Decimal `json:"amount"`
	BidTime       time.Time       `json:"bid_time"`
	ReceivingNode string          `json:"receiving_node"`
	State         BidState        `json:"state"`
}

// BidRequest represents the incoming bid request from the API
type BidRequest struct {
	AuctionID    int64           `json:"auction_id"`
	ItemID       int64           `json:"item_id"`
	UserID       int64           `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	LastBidCount int             `json:"last_bid_count"`
}

// BidResponse represents the API response after posting a bid
type BidResponse struct {
	BidID     string   `json:"bid_id"`
	AuctionID int64    `json:"auction_id"`
	ItemID    int64    `json:"item_id"`
	State     BidState `json:"state"`
	Message   string   `json:"message"`
}
