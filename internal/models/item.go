package models

import "github.com/shopspring/decimal"

// ItemState is the lifecycle state of an auction item
type ItemState string

// ItemState constants
const (
	ItemNotListed  ItemState = "NOTLISTED"
	ItemInAuction  ItemState = "INAUCTION"
	ItemActive     ItemState = "ACTIVE"
	ItemSold       ItemState = "SOLD"
	ItemPaid       ItemState = "PAID"
	ItemShipped    ItemState = "SHIPPED"
	ItemNoSuchItem ItemState = "NOSUCHITEM"
)

// Item represents a lot offered inside an auction.
// Items of one auction are ordered by ID; "next item" means the
// smallest ID greater than the current one.
type Item struct {
	ID                int64           `json:"id"`
	AuctionID         int64           `json:"auction_id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	StartingBidAmount decimal.Decimal `json:"starting_bid_amount"`
	State             ItemState       `json:"state"`
	Version           int64           `json:"version"`
}
