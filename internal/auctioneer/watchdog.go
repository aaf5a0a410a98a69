package auctioneer

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/models"
)

// armWatchdog replaces any armed watchdog with one bound to the current
// high bid. Callers hold workMu.
func (a *Auctioneer) armWatchdog(delay time.Duration) {
	if a.watchdog != nil {
		a.watchdog.Cancel()
	}
	armedFor := a.highBid.Clone()
	a.watchdog = a.cfg.Scheduler.Schedule(delay, func() { a.fireWatchdog(armedFor) })
}

// fireWatchdog moves the item one step forward if armedFor is still the
// current high bid. A newer bid or transition makes it a no-op.
func (a *Auctioneer) fireWatchdog(armedFor *models.HighBid) {
	a.workMu.Lock()
	defer a.workMu.Unlock()

	if a.shutdown.Load() {
		return
	}
	if !armedFor.SameAs(a.highBid) {
		a.logger.WithField("armed_bid_count", armedFor.BidCount).Debug("Watchdog superseded")
		return
	}
	a.watchdog = nil

	hb, err := retry(a.ctx, a.logger, "forward progress", func() (*models.HighBid, error) {
		return a.txs.MakeForwardProgress(a.ctx, a.highBid)
	})
	if err != nil {
		a.logger.WithError(err).Error("Watchdog failed, automatic progress stalled")
		return
	}
	if a.shutdown.Load() {
		return
	}
	if hb == nil {
		a.logger.WithField("item_id", a.highBid.ItemID).Warn("High bid was neither OPEN nor LASTCALL")
		return
	}

	a.setHighBid(hb)
	a.logger.WithFields(log.Fields{"item_id": hb.ItemID, "state": hb.State, "bid_count": hb.BidCount}).
		Info("Watchdog advanced item")
	a.publish(models.HighBidEvent{HighBid: *hb})

	if hb.State == models.HighBidSold && !a.advance(hb) {
		return
	}
	if !a.completed && a.highBid.BidCount > 1 {
		a.armWatchdog(a.cfg.MaxIdleTime)
	}
}

// advance starts the item after sold. It reports false when the
// transition failed and progress has stalled.
func (a *Auctioneer) advance(sold *models.HighBid) bool {
	next, err := retry(a.ctx, a.logger, "start next item", func() (*models.HighBid, error) {
		return a.txs.StartNextItem(a.ctx, sold)
	})
	if err != nil {
		a.logger.WithError(err).WithField("item_id", sold.ItemID).Error("Failed to start next item")
		return false
	}

	if next == nil {
		a.completed = true
		a.logger.Info("Auction complete")
		a.publish(models.AuctionEndedEvent{Auction: a.auctionID, EndTime: time.Now()})
		return true
	}

	a.setHighBid(next)
	a.logger.WithFields(log.Fields{"item_id": next.ItemID, "amount": next.Amount}).Info("Next item started")
	a.publish(models.HighBidEvent{HighBid: *next})
	return true
}
