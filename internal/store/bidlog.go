package store

import (
	"context"
	"sort"
	"sync"

	"github.com/vmware/weathervane-sub001/internal/models"
)

// MemoryBidLog is an in-process BidLog
type MemoryBidLog struct {
	mu   sync.Mutex
	bids map[string]models.Bid
}

// NewMemoryBidLog creates an empty bid log
func NewMemoryBidLog() *MemoryBidLog {
	return &MemoryBidLog{bids: make(map[string]models.Bid)}
}

// SaveBid implements BidLog
func (l *MemoryBidLog) SaveBid(_ context.Context, bid *models.Bid) error {
	l.mu.Lock()
	l.bids[bid.ID] = *bid
	l.mu.Unlock()
	return nil
}

// Get returns the logged bid with the given ID
func (l *MemoryBidLog) Get(id string) (models.Bid, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bids[id]
	return b, ok
}

// Count returns the number of distinct bids logged
func (l *MemoryBidLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bids)
}

// BidHistory implements BidLog, newest first
func (l *MemoryBidLog) BidHistory(_ context.Context, auctionID, itemID int64, limit int) ([]*models.Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*models.Bid
	for _, b := range l.bids {
		if b.AuctionID == auctionID && b.ItemID == itemID {
			c := b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BidTime.After(out[j].BidTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
