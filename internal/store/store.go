package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vmware/weathervane-sub001/internal/models"
)

// Store errors. ErrConflict and ErrLockUnavailable are transient: the
// whole transaction may be retried verbatim.
var (
	ErrConflict        = errors.New("optimistic conflict")
	ErrLockUnavailable = errors.New("lock unavailable")
	ErrNotFound        = errors.New("record not found")
)

// Outcome classifies the result of a transaction attempt
type Outcome int

// Outcome constants
const (
	OutcomeOK Outcome = iota
	OutcomeConflict
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeConflict:
		return "conflict"
	default:
		return "terminal"
	}
}

// Classify maps an error returned by Transact (or anything built on it)
// to an Outcome. Only OutcomeConflict may be retried.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLockUnavailable):
		return OutcomeConflict
	default:
		return OutcomeTerminal
	}
}

// Tx is a unit of work against the shared state.
//
// Every Put is version checked: the record's Version must equal the
// stored version (zero for a new record) when the transaction commits,
// otherwise Transact returns ErrConflict and nothing is written.
// Records read inside the transaction are checked the same way.
type Tx interface {
	Auction(ctx context.Context, id int64) (*models.Auction, error)
	PutAuction(ctx context.Context, a *models.Auction) error

	Item(ctx context.Context, id int64) (*models.Item, error)
	PutItem(ctx context.Context, it *models.Item) error
	// FirstItem returns the lowest ordered item of the auction or ErrNotFound
	FirstItem(ctx context.Context, auctionID int64) (*models.Item, error)
	// NextItem returns the item following afterItemID or ErrNotFound
	NextItem(ctx context.Context, auctionID, afterItemID int64) (*models.Item, error)

	HighBid(ctx context.Context, itemID int64) (*models.HighBid, error)
	// PutHighBid also makes the item the auction's active item
	PutHighBid(ctx context.Context, hb *models.HighBid) error

	User(ctx context.Context, id int64) (*models.User, error)
	UserByName(ctx context.Context, email string) (*models.User, error)
	PutUser(ctx context.Context, u *models.User) error
}

// Store is the shared state store holding auction truth for all nodes
type Store interface {
	// Transact runs fn once. If fn returns an error nothing is written.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	Auction(ctx context.Context, id int64) (*models.Auction, error)
	// ActiveHighBid returns the HighBid of the auction's active item
	ActiveHighBid(ctx context.Context, auctionID int64) (*models.HighBid, error)
	AuctionIDsInState(ctx context.Context, state models.AuctionState) ([]int64, error)
	// AuctionsStartingBefore lists FUTURE and PENDING auctions whose start
	// time is before t
	AuctionsStartingBefore(ctx context.Context, t time.Time) ([]int64, error)
}

// BidLog is the append-only audit trail of submitted bids. SaveBid
// upserts by bid ID so a bid's state can be advanced.
type BidLog interface {
	SaveBid(ctx context.Context, bid *models.Bid) error
	BidHistory(ctx context.Context, auctionID, itemID int64, limit int) ([]*models.Bid, error)
}
