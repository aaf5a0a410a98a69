package liveauction

import (
	"sort"
	"sync"

	"github.com/vmware/weathervane-sub001/internal/auctioneer"
	"github.com/vmware/weathervane-sub001/internal/messaging"
)

type ownedAuction struct {
	auctioneer *auctioneer.Auctioneer
	binding    messaging.Binding
}

// registry holds the auctions this node drives and the updaters of every
// auction it has seen high bids for. Ended auctions are remembered so a
// late event cannot bring their updater back.
type registry struct {
	mu       sync.RWMutex
	owned    map[int64]*ownedAuction
	updaters map[int64]*Updater
	ended    map[int64]struct{}
}

func newRegistry() *registry {
	return &registry{
		owned:    make(map[int64]*ownedAuction),
		updaters: make(map[int64]*Updater),
		ended:    make(map[int64]struct{}),
	}
}

func (r *registry) addAuctioneer(a *auctioneer.Auctioneer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owned[a.AuctionID()] = &ownedAuction{auctioneer: a}
}

func (r *registry) setBinding(auctionID int64, b messaging.Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.owned[auctionID]; ok {
		o.binding = b
	}
}

func (r *registry) auctioneer(auctionID int64) (*auctioneer.Auctioneer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owned[auctionID]
	if !ok {
		return nil, false
	}
	return o.auctioneer, true
}

// detach removes and returns the binding so it is unbound only once
func (r *registry) detach(auctionID int64) (messaging.Binding, *auctioneer.Auctioneer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owned[auctionID]
	if !ok {
		return nil, nil, false
	}
	b := o.binding
	o.binding = nil
	return b, o.auctioneer, true
}

func (r *registry) remove(auctionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owned, auctionID)
}

func (r *registry) ownedIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *registry) updater(auctionID int64) (*Updater, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.updaters[auctionID]
	return u, ok
}

// updaterOrCreate returns false for an auction that has ended
func (r *registry) updaterOrCreate(auctionID int64) (*Updater, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.ended[auctionID]; done {
		return nil, false
	}
	u, ok := r.updaters[auctionID]
	if !ok {
		u = NewUpdater(auctionID)
		r.updaters[auctionID] = u
	}
	return u, true
}

func (r *registry) isEnded(auctionID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, done := r.ended[auctionID]
	return done
}

// endAuction marks the auction ended and removes its updater
func (r *registry) endAuction(auctionID int64) (*Updater, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[auctionID] = struct{}{}
	u, ok := r.updaters[auctionID]
	delete(r.updaters, auctionID)
	return u, ok
}

func (r *registry) allUpdaters() []*Updater {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Updater, 0, len(r.updaters))
	for _, u := range r.updaters {
		out = append(out, u)
	}
	return out
}
