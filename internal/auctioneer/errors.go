package auctioneer

import "github.com/pkg/errors"

// Terminal domain errors. They abort a retry loop immediately.
var (
	ErrInvalidState = errors.New("invalid state")
	ErrNoItems      = errors.New("auction has no items")
	ErrNoSuchUser   = errors.New("no such user")
)
