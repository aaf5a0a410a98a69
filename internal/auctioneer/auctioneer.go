package auctioneer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/models"
	"github.com/vmware/weathervane-sub001/internal/store"
)

const publishTimeout = 5 * time.Second

// Publisher sends auction events to the message bus
type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
}

// Config holds the collaborators shared by every auctioneer on a node
type Config struct {
	Store       store.Store
	Bids        store.BidLog
	Publisher   Publisher
	Scheduler   Scheduler
	MaxIdleTime time.Duration
}

// Auctioneer drives a single auction on this node. Bids are evaluated
// strictly one at a time in arrival order, and a watchdog moves the
// active item through LASTCALL and SOLD when bidding goes idle.
type Auctioneer struct {
	auctionID int64
	cfg       Config
	txs       *Transactions
	logger    *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	queueMu  sync.Mutex
	queue    []models.Bid
	draining bool
	shutdown atomic.Bool

	// workMu serializes bid evaluation, watchdog firing and auction start
	workMu    sync.Mutex
	highBid   *models.HighBid
	watchdog  Cancelable
	startTask Cancelable
	completed bool

	current atomic.Pointer[models.HighBid]
}

// New creates an idle auctioneer. Start loads the auction and resumes it.
func New(auctionID int64, cfg Config) *Auctioneer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Auctioneer{
		auctionID: auctionID,
		cfg:       cfg,
		txs:       NewTransactions(cfg.Store),
		logger:    log.WithField("auction_id", auctionID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AuctionID returns the auction this auctioneer drives
func (a *Auctioneer) AuctionID() int64 {
	return a.auctionID
}

// Start picks the auction up in whatever state the store holds. FUTURE
// auctions are pended and PENDING ones get a start task at their start
// time. A RUNNING auction is being handed over from another owner: its
// high bid is reposted so waiting clients see a change, and the watchdog
// is re-armed if the item had bids.
func (a *Auctioneer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	a.workMu.Lock()
	defer a.workMu.Unlock()

	auction, err := a.cfg.Store.Auction(ctx, a.auctionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load auction %d", a.auctionID)
	}
	return a.resume(ctx, auction)
}

func (a *Auctioneer) resume(ctx context.Context, auction *models.Auction) error {
	switch auction.State {
	case models.AuctionFuture:
		_, err := retry(ctx, a.logger, "pend auction", func() (struct{}, error) {
			return struct{}{}, a.txs.PendAuction(ctx, a.auctionID)
		})
		if errors.Is(err, ErrInvalidState) {
			a.logger.WithError(err).Info("Auction already pended elsewhere")
			current, err := a.cfg.Store.Auction(ctx, a.auctionID)
			if err != nil {
				return errors.Wrapf(err, "failed to reload auction %d", a.auctionID)
			}
			if current.State == models.AuctionFuture {
				return errors.Wrapf(ErrInvalidState, "auction %d still FUTURE", a.auctionID)
			}
			return a.resume(ctx, current)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to pend auction %d", a.auctionID)
		}
		a.scheduleStart(auction.StartTime)

	case models.AuctionPending:
		a.scheduleStart(auction.StartTime)

	case models.AuctionRunning:
		return a.takeOver(ctx)

	default:
		a.logger.WithField("state", auction.State).Info("Auction has finished, nothing to drive")
		a.completed = true
	}
	return nil
}

func (a *Auctioneer) scheduleStart(at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	a.logger.WithField("delay", delay).Debug("Scheduling auction start")
	a.startTask = a.cfg.Scheduler.Schedule(delay, a.startAuction)
}

func (a *Auctioneer) startAuction() {
	a.workMu.Lock()
	defer a.workMu.Unlock()
	a.startTask = nil
	if a.shutdown.Load() {
		return
	}

	hb, err := retry(a.ctx, a.logger, "start auction", func() (*models.HighBid, error) {
		return a.txs.StartAuction(a.ctx, a.auctionID)
	})
	switch {
	case err == nil:
		a.setHighBid(hb)
		a.logger.WithFields(log.Fields{"item_id": hb.ItemID, "amount": hb.Amount}).Info("Auction started")
		a.publish(models.HighBidEvent{HighBid: *hb})

	case errors.Is(err, ErrInvalidState):
		a.logger.WithError(err).Info("Auction not started, already moved by another node")

	case errors.Is(err, ErrNoItems):
		a.logger.WithError(err).Warn("Auction has no items, invalidating")
		_, err := retry(a.ctx, a.logger, "invalidate auction", func() (struct{}, error) {
			return struct{}{}, a.txs.InvalidateAuction(a.ctx, a.auctionID)
		})
		if err != nil {
			a.logger.WithError(err).Error("Failed to invalidate auction")
			return
		}
		a.completed = true
		a.publish(models.AuctionEndedEvent{Auction: a.auctionID, EndTime: time.Now()})

	default:
		a.logger.WithError(err).Error("Failed to start auction")
	}
}

// takeOver resumes a RUNNING auction after an ownership change
func (a *Auctioneer) takeOver(ctx context.Context) error {
	stored, err := a.cfg.Store.ActiveHighBid(ctx, a.auctionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load active high bid of auction %d", a.auctionID)
	}

	hb, err := retry(ctx, a.logger, "repost high bid", func() (*models.HighBid, error) {
		return a.txs.RepostHighBid(ctx, stored)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to repost high bid of auction %d", a.auctionID)
	}
	a.setHighBid(hb)
	a.logger.WithFields(log.Fields{"item_id": hb.ItemID, "state": hb.State, "bid_count": hb.BidCount}).
		Info("Took over running auction")
	a.publish(models.HighBidEvent{HighBid: *hb})

	delay := a.cfg.MaxIdleTime
	switch hb.State {
	case models.HighBidSold:
		// the previous owner sold the item but did not start the next one.
		// The fresh item waits for its first bid before a watchdog runs.
		a.advance(hb)
		return nil
	case models.HighBidLastCall:
		delay -= time.Since(stored.CurrentBidTime)
		if delay < 0 {
			delay = 0
		}
	}

	if !a.completed && stored.BidCount > 1 {
		a.armWatchdog(delay)
	}
	return nil
}

// HandleNewBid queues a bid for evaluation. At most one drain runs at a
// time. After Shutdown the bid goes straight back to the bus for the
// next owner.
func (a *Auctioneer) HandleNewBid(bid models.Bid) {
	if a.shutdown.Load() {
		a.republish(bid)
		return
	}

	a.queueMu.Lock()
	a.queue = append(a.queue, bid)
	if a.draining {
		a.queueMu.Unlock()
		return
	}
	a.draining = true
	a.queueMu.Unlock()

	a.cfg.Scheduler.Execute(a.drain)
}

func (a *Auctioneer) drain() {
	for {
		a.queueMu.Lock()
		if len(a.queue) == 0 {
			a.draining = false
			a.queueMu.Unlock()
			return
		}
		batch := a.queue
		a.queue = nil
		a.queueMu.Unlock()

		a.processBatch(batch)
	}
}

func (a *Auctioneer) processBatch(batch []models.Bid) {
	a.workMu.Lock()
	defer a.workMu.Unlock()

	for i := range batch {
		if a.shutdown.Load() {
			a.republish(batch[i])
			continue
		}
		a.processBid(&batch[i])
	}

	// the first bid on an item starts the idle clock even when it loses
	if !a.shutdown.Load() && !a.completed && a.highBid != nil && a.watchdog == nil {
		a.armWatchdog(a.cfg.MaxIdleTime)
	}
}

func (a *Auctioneer) processBid(bid *models.Bid) {
	logger := a.logger.WithFields(log.Fields{"bid_id": bid.ID, "item_id": bid.ItemID, "amount": bid.Amount})

	if bid.AuctionID != a.auctionID {
		logger.WithField("bid_auction_id", bid.AuctionID).Warn("Dropping bid for another auction")
		return
	}
	if a.highBid == nil || bid.ItemID != a.highBid.ItemID {
		logger.Warn("Dropping bid for an item that is not active")
		bid.State = models.BidItemNotActive
		a.saveBid(bid)
		return
	}
	if !bid.Amount.GreaterThan(a.highBid.Amount) {
		logger.WithField("high_amount", a.highBid.Amount).Debug("Bid is not higher than the high bid")
		bid.State = models.BidAfterHigher
		a.saveBid(bid)
		return
	}

	bid.State = models.BidProvisionallyHigh
	a.saveBid(bid)

	hb, err := retry(a.ctx, logger, "accept bid", func() (*models.HighBid, error) {
		return a.txs.AcceptBid(a.ctx, bid)
	})
	if errors.Is(err, ErrNoSuchUser) {
		logger.WithError(err).Warn("Bid from unknown user")
		bid.State = models.BidNoSuchUser
		a.saveBid(bid)
		return
	}
	if err != nil {
		if a.shutdown.Load() {
			a.republish(*bid)
			return
		}
		logger.WithError(err).Error("Failed to accept bid")
		return
	}

	if bid.State == models.BidHigh {
		a.setHighBid(hb)
		a.armWatchdog(a.cfg.MaxIdleTime)
		logger.WithField("bid_count", hb.BidCount).Info("New high bid")
		a.publish(models.HighBidEvent{HighBid: *hb})
	}
	a.saveBid(bid)
}

// Shutdown stops local processing. Watchdog and start tasks are
// cancelled and queued or later bids are republished to the bus.
func (a *Auctioneer) Shutdown() {
	if a.shutdown.Swap(true) {
		return
	}
	a.cancel()

	a.workMu.Lock()
	if a.watchdog != nil {
		a.watchdog.Cancel()
		a.watchdog = nil
	}
	if a.startTask != nil {
		a.startTask.Cancel()
		a.startTask = nil
	}
	a.workMu.Unlock()

	a.queueMu.Lock()
	pending := a.queue
	a.queue = nil
	a.queueMu.Unlock()
	for _, bid := range pending {
		a.republish(bid)
	}
	a.logger.WithField("republished", len(pending)).Info("Auctioneer shut down")
}

// CurrentHighBid returns a copy of the in-memory high bid, nil before the
// auction starts
func (a *Auctioneer) CurrentHighBid() *models.HighBid {
	return a.current.Load().Clone()
}

// Completed reports whether the auction has run out of items
func (a *Auctioneer) Completed() bool {
	a.workMu.Lock()
	defer a.workMu.Unlock()
	return a.completed
}

func (a *Auctioneer) setHighBid(hb *models.HighBid) {
	a.highBid = hb
	a.current.Store(hb.Clone())
}

func (a *Auctioneer) saveBid(bid *models.Bid) {
	if a.cfg.Bids == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.cfg.Bids.SaveBid(ctx, bid); err != nil {
		a.logger.WithError(err).WithField("bid_id", bid.ID).Warn("Failed to save bid")
	}
}

func (a *Auctioneer) publish(e models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.cfg.Publisher.Publish(ctx, e); err != nil {
		a.logger.WithError(err).WithField("kind", e.Kind()).Error("Failed to publish event")
	}
}

func (a *Auctioneer) republish(bid models.Bid) {
	a.logger.WithField("bid_id", bid.ID).Debug("Shutting down, returning bid to the bus")
	a.publish(models.NewBidEvent{Bid: bid})
}
