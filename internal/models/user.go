package models

import "github.com/shopspring/decimal"

// UnsoldUserName is the email of the sentinel bidder that seeds every
// HighBid. It is never charged.
const UnsoldUserName = "unsold@auction.xyz"

// User is a bidder with a spending limit
type User struct {
	ID          int64           `json:"id"`
	Email       string          `json:"email"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	Version     int64           `json:"version"`
}
