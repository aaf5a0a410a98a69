package liveauction

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/vmware/weathervane-sub001/internal/models"
)

// ErrNoHighBid is returned by a long poll that ends before any high bid
// for the item was seen
var ErrNoHighBid = errors.New("no high bid for item")

// Updater tracks the latest high bid of each item of one auction and
// completes long polls waiting for a bid count change.
type Updater struct {
	auctionID int64

	mu          sync.Mutex
	highBids    map[int64]*models.HighBid
	currentItem int64
	changed     chan struct{}
	releases    uint64
	shutdown    bool
}

// NewUpdater creates an updater for an auction
func NewUpdater(auctionID int64) *Updater {
	return &Updater{
		auctionID: auctionID,
		highBids:  make(map[int64]*models.HighBid),
		changed:   make(chan struct{}),
	}
}

// wake completes every waiting poll. Callers hold mu.
func (u *Updater) wake() {
	close(u.changed)
	u.changed = make(chan struct{})
}

// HandleHighBid records hb unless a higher bid count for the item was
// already seen, and wakes waiting polls
func (u *Updater) HandleHighBid(hb models.HighBid) {
	if hb.AuctionID != u.auctionID {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if cur, ok := u.highBids[hb.ItemID]; ok && hb.BidCount <= cur.BidCount {
		return
	}
	u.highBids[hb.ItemID] = hb.Clone()

	switch {
	case hb.State == models.HighBidOpen && hb.ItemID > u.currentItem:
		u.currentItem = hb.ItemID
	case hb.State == models.HighBidSold && hb.ItemID == u.currentItem:
		u.currentItem = 0
	}
	u.wake()
}

// CurrentItem returns the item open for bidding, if any
func (u *Updater) CurrentItem() (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.currentItem, u.currentItem != 0
}

// NextBid returns the item's high bid once its bid count exceeds
// lastBidCount or the item is sold. It returns early with the latest
// known bid when ctx ends, on Release and after Shutdown.
func (u *Updater) NextBid(ctx context.Context, itemID int64, lastBidCount int) (*models.HighBid, error) {
	u.mu.Lock()
	releases := u.releases
	for {
		hb := u.highBids[itemID]
		done := u.shutdown || u.releases != releases ||
			(hb != nil && (hb.BidCount > lastBidCount || hb.State == models.HighBidSold))
		if done {
			u.mu.Unlock()
			return latest(hb)
		}
		changed := u.changed
		u.mu.Unlock()

		select {
		case <-ctx.Done():
			u.mu.Lock()
			hb := u.highBids[itemID]
			u.mu.Unlock()
			return latest(hb)
		case <-changed:
		}
		u.mu.Lock()
	}
}

func latest(hb *models.HighBid) (*models.HighBid, error) {
	if hb == nil {
		return nil, ErrNoHighBid
	}
	return hb.Clone(), nil
}

// Release completes the polls waiting right now
func (u *Updater) Release() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.releases++
	u.wake()
}

// Shutdown completes all current and future polls immediately
func (u *Updater) Shutdown() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.shutdown = true
	u.wake()
}
