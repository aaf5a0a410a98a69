package auctioneer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/vmware/weathervane-sub001/internal/models"
	"github.com/vmware/weathervane-sub001/internal/store"
)

// Transactions are the atomic auction state transitions. Each method is
// one store transaction and may be retried verbatim on a conflict.
type Transactions struct {
	store store.Store
	now   func() time.Time
}

// NewTransactions creates the transaction layer over a store
func NewTransactions(s store.Store) *Transactions {
	return &Transactions{store: s, now: time.Now}
}

// PendAuction moves a FUTURE auction to PENDING
func (t *Transactions) PendAuction(ctx context.Context, auctionID int64) error {
	return t.store.Transact(ctx, func(tx store.Tx) error {
		a, err := tx.Auction(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.State != models.AuctionFuture {
			return errors.Wrapf(ErrInvalidState, "pend auction %d in state %s", auctionID, a.State)
		}
		a.State = models.AuctionPending
		return tx.PutAuction(ctx, a)
	})
}

// StartAuction moves a PENDING auction to RUNNING and activates its
// first item
func (t *Transactions) StartAuction(ctx context.Context, auctionID int64) (*models.HighBid, error) {
	var hb *models.HighBid
	err := t.store.Transact(ctx, func(tx store.Tx) error {
		a, err := tx.Auction(ctx, auctionID)
		if err != nil {
			return err
		}
		if a.State != models.AuctionPending {
			return errors.Wrapf(ErrInvalidState, "start auction %d in state %s", auctionID, a.State)
		}

		item, err := tx.FirstItem(ctx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrNoItems, "auction %d", auctionID)
		}
		if err != nil {
			return err
		}

		hb, err = t.activate(ctx, tx, item)
		if err != nil {
			return err
		}

		a.State = models.AuctionRunning
		return tx.PutAuction(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return hb, nil
}

// StartNextItem activates the item after current's. When there is none
// the auction is marked COMPLETE and a nil HighBid is returned.
func (t *Transactions) StartNextItem(ctx context.Context, current *models.HighBid) (*models.HighBid, error) {
	var hb *models.HighBid
	err := t.store.Transact(ctx, func(tx store.Tx) error {
		hb = nil
		item, err := tx.NextItem(ctx, current.AuctionID, current.ItemID)
		if errors.Is(err, store.ErrNotFound) {
			a, err := tx.Auction(ctx, current.AuctionID)
			if err != nil {
				return err
			}
			a.State = models.AuctionComplete
			a.EndTime = t.now()
			return tx.PutAuction(ctx, a)
		}
		if err != nil {
			return err
		}

		hb, err = t.activate(ctx, tx, item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hb, nil
}

// activate makes an INAUCTION item ACTIVE and seeds its HighBid with the
// starting amount and the unsold bidder
func (t *Transactions) activate(ctx context.Context, tx store.Tx, item *models.Item) (*models.HighBid, error) {
	if item.State != models.ItemInAuction {
		return nil, errors.Wrapf(ErrInvalidState, "item %d in state %s", item.ID, item.State)
	}
	unsold, err := tx.UserByName(ctx, models.UnsoldUserName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(ErrNoSuchUser, models.UnsoldUserName)
	}
	if err != nil {
		return nil, err
	}

	item.State = models.ItemActive
	if err := tx.PutItem(ctx, item); err != nil {
		return nil, err
	}

	now := t.now()
	hb := &models.HighBid{
		ItemID:           item.ID,
		AuctionID:        item.AuctionID,
		BidderID:         unsold.ID,
		Amount:           item.StartingBidAmount,
		State:            models.HighBidOpen,
		BidCount:         1,
		BiddingStartTime: now,
		CurrentBidTime:   now,
	}
	// a leftover record from an earlier activation is overwritten in place
	if existing, err := tx.HighBid(ctx, item.ID); err == nil {
		hb.Version = existing.Version
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := tx.PutHighBid(ctx, hb); err != nil {
		return nil, err
	}
	return hb, nil
}

// AcceptBid evaluates bid against the stored HighBid and sets bid.State
// to HIGH, INSUFFICIENTFUNDS, ITEMSOLD or AFTERHIGHER. It returns the
// HighBid after the transaction, updated only when the bid is HIGH.
func (t *Transactions) AcceptBid(ctx context.Context, bid *models.Bid) (*models.HighBid, error) {
	var (
		hb    *models.HighBid
		state models.BidState
	)
	err := t.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		hb, err = tx.HighBid(ctx, bid.ItemID)
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrInvalidState, "no high bid for item %d", bid.ItemID)
		}
		if err != nil {
			return err
		}

		bidder, err := tx.User(ctx, bid.BidderID)
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrNoSuchUser, "user %d", bid.BidderID)
		}
		if err != nil {
			return err
		}

		switch {
		case bidder.CreditLimit.LessThan(bid.Amount):
			state = models.BidInsufficientFunds
			return nil
		case hb.State == models.HighBidSold:
			state = models.BidItemSold
			return nil
		case !bid.Amount.GreaterThan(hb.Amount):
			state = models.BidAfterHigher
			return nil
		}

		hb.Amount = bid.Amount
		hb.BidderID = bid.BidderID
		hb.BidID = bid.ID
		hb.BidCount++
		hb.State = models.HighBidOpen
		hb.CurrentBidTime = t.now()
		state = models.BidHigh
		return tx.PutHighBid(ctx, hb)
	})
	if err != nil {
		return nil, err
	}
	bid.State = state
	return hb, nil
}

// MakeForwardProgress advances the item's HighBid from OPEN to LASTCALL
// or from LASTCALL to SOLD. It returns nil for any other state.
func (t *Transactions) MakeForwardProgress(ctx context.Context, current *models.HighBid) (*models.HighBid, error) {
	var hb *models.HighBid
	err := t.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		hb, err = tx.HighBid(ctx, current.ItemID)
		if err != nil {
			return err
		}

		now := t.now()
		switch hb.State {
		case models.HighBidOpen:
			hb.State = models.HighBidLastCall
			hb.BidCount++
			hb.CurrentBidTime = now
			return tx.PutHighBid(ctx, hb)

		case models.HighBidLastCall:
			hb.State = models.HighBidSold
			hb.BidCount++
			hb.CurrentBidTime = now
			hb.BiddingEndTime = now

			item, err := tx.Item(ctx, hb.ItemID)
			if err != nil {
				return err
			}
			item.State = models.ItemSold
			if err := tx.PutItem(ctx, item); err != nil {
				return err
			}

			purchaser, err := tx.User(ctx, hb.BidderID)
			if errors.Is(err, store.ErrNotFound) {
				return errors.Wrapf(ErrNoSuchUser, "purchaser %d", hb.BidderID)
			}
			if err != nil {
				return err
			}
			if purchaser.Email != models.UnsoldUserName {
				purchaser.CreditLimit = purchaser.CreditLimit.Sub(hb.Amount)
				if err := tx.PutUser(ctx, purchaser); err != nil {
					return err
				}
			}
			return tx.PutHighBid(ctx, hb)

		default:
			hb = nil
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return hb, nil
}

// RepostHighBid bumps the bid count and time of the stored HighBid
// without changing amount, bidder or state. A new owner uses it so
// polling clients see a change after a hand-off.
func (t *Transactions) RepostHighBid(ctx context.Context, current *models.HighBid) (*models.HighBid, error) {
	var hb *models.HighBid
	err := t.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		hb, err = tx.HighBid(ctx, current.ItemID)
		if err != nil {
			return err
		}
		hb.BidCount++
		hb.CurrentBidTime = t.now()
		return tx.PutHighBid(ctx, hb)
	})
	if err != nil {
		return nil, err
	}
	return hb, nil
}

// InvalidateAuction marks an auction that cannot run as INVALID
func (t *Transactions) InvalidateAuction(ctx context.Context, auctionID int64) error {
	return t.store.Transact(ctx, func(tx store.Tx) error {
		a, err := tx.Auction(ctx, auctionID)
		if err != nil {
			return err
		}
		a.State = models.AuctionInvalid
		return tx.PutAuction(ctx, a)
	})
}
