package liveauction

import (
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/auctioneer"
)

// onAssignment reconciles the auctioneers of this node with a new value
// of its assignment entry. Watch callbacks arrive one at a time.
func (s *Service) onAssignment(value string) {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	if s.exiting.Load() {
		return
	}

	next := ParseAssignment(value)
	want := make(map[int64]bool, len(next))
	for _, id := range next {
		want[id] = true
	}
	had := make(map[int64]bool, len(s.assigned))
	for _, id := range s.assigned {
		had[id] = true
	}

	for _, id := range s.assigned {
		if !want[id] {
			log.WithField("auction_id", id).Info("Auction moved off this node")
			s.stopAuctioneer(id, true)
		}
	}
	// an auction that failed to start is left out so the next update
	// retries it
	assigned := make([]int64, 0, len(next))
	for _, id := range next {
		if had[id] || s.startAuctioneer(id) {
			assigned = append(assigned, id)
		}
	}
	s.assigned = assigned
}

// startAuctioneer brings an assigned auction up and only then binds its
// bid queue. Callers hold assignMu.
func (s *Service) startAuctioneer(id int64) bool {
	logger := log.WithFields(log.Fields{"node": s.NodeID(), "auction_id": id})
	if _, ok := s.reg.auctioneer(id); ok {
		return true
	}

	a := auctioneer.New(id, s.auctioneerConfig())
	if err := a.Start(s.runCtx); err != nil {
		logger.WithError(err).Error("Failed to start auctioneer")
		a.Shutdown()
		return false
	}
	s.reg.addAuctioneer(a)

	binding, err := s.bus.BindNewBids(s.runCtx, id, s.HandleNewBid)
	if err != nil {
		logger.WithError(err).Error("Failed to bind bid queue")
		a.Shutdown()
		s.reg.remove(id)
		return false
	}
	s.reg.setBinding(id, binding)
	logger.Info("Auctioneer running")
	return true
}

// stopAuctioneer unbinds the auction's queue and shuts its auctioneer
// down. With remove false the auctioneer stays registered so bids still
// in flight are handed back to the bus. Callers hold assignMu.
func (s *Service) stopAuctioneer(id int64, remove bool) {
	binding, a, ok := s.reg.detach(id)
	if !ok {
		return
	}
	if binding != nil {
		if err := binding.Unbind(); err != nil {
			log.WithError(err).WithField("auction_id", id).Warn("Failed to unbind bid queue")
		}
	}
	a.Shutdown()
	if remove {
		s.reg.remove(id)
	}
}

// AssignedAuctions returns the last assignment seen by this node
func (s *Service) AssignedAuctions() []int64 {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()
	return append([]int64(nil), s.assigned...)
}
