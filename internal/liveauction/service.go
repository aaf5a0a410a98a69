package liveauction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vmware/weathervane-sub001/internal/auctioneer"
	"github.com/vmware/weathervane-sub001/internal/messaging"
	"github.com/vmware/weathervane-sub001/internal/models"
	"github.com/vmware/weathervane-sub001/internal/store"
)

// Errors returned to the API layer
var (
	ErrInvalidBid        = errors.New("invalid bid")
	ErrAuctionNotTracked = errors.New("auction is not tracked by this node")
	ErrShuttingDown      = errors.New("node is shutting down")
)

// Coordinator is the group membership, leader election and assignment
// area the cluster runs on
type Coordinator interface {
	NodeID() string
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	Members(ctx context.Context) ([]string, error)
	AssignmentNodes(ctx context.Context) ([]string, error)
	ReadAssignment(ctx context.Context, node string) (string, error)
	WriteAssignment(ctx context.Context, node, value string) error
	DeleteAssignment(ctx context.Context, node string) error
	WatchAssignment(ctx context.Context, node string, fn func(value string)) error
	WatchMembers(ctx context.Context, interval time.Duration, fn func(members []string))
	IsLeader() bool
	CampaignLeader(ctx context.Context, onElected func(ctx context.Context))
}

// Bus is the message bus as seen by the coordinator
type Bus interface {
	Publish(ctx context.Context, e models.Event) error
	BindNewBids(ctx context.Context, auctionID int64, handler func(models.Bid)) (messaging.Binding, error)
	SubscribeUpdates(handler func(models.Event)) (messaging.Binding, error)
}

// Broadcaster pushes encoded events to connected clients of an auction
type Broadcaster interface {
	Broadcast(auctionID int64, payload []byte)
}

// Options are the timing parameters of the coordinator
type Options struct {
	AuctionMaxIdleTime      time.Duration
	AuctionQueueUpdateDelay time.Duration
	MembershipChangeDelay   time.Duration
	MemberPollInterval      time.Duration
	JoinDelay               time.Duration
	LongPollTimeout         time.Duration
}

// Service is the live auction coordinator of one node. It follows its
// own assignment entry, running an auctioneer for every assigned auction,
// and while it holds leadership it assigns and rebalances auctions
// across the group.
type Service struct {
	coord       Coordinator
	bus         Bus
	store       store.Store
	bids        store.BidLog
	sched       auctioneer.Scheduler
	broadcaster Broadcaster
	opts        Options
	now         func() time.Time

	reg *registry

	assignMu sync.Mutex
	assigned []int64
	runCtx   context.Context

	exiting       atomic.Bool
	stopCampaign  context.CancelFunc
	campaignMu    sync.Mutex
	shutdownOnce  sync.Once
	updateBinding messaging.Binding
}

func (o Options) withDefaults() Options {
	if o.AuctionMaxIdleTime <= 0 {
		o.AuctionMaxIdleTime = 30 * time.Second
	}
	if o.AuctionQueueUpdateDelay <= 0 {
		o.AuctionQueueUpdateDelay = 20 * time.Second
	}
	if o.MemberPollInterval <= 0 {
		o.MemberPollInterval = 5 * time.Second
	}
	if o.LongPollTimeout <= 0 {
		o.LongPollTimeout = 30 * time.Second
	}
	return o
}

// NewService creates the coordinator. Run joins the group.
func NewService(coord Coordinator, bus Bus, st store.Store, bids store.BidLog, sched auctioneer.Scheduler, opts Options) *Service {
	return &Service{
		coord:  coord,
		bus:    bus,
		store:  st,
		bids:   bids,
		sched:  sched,
		opts:   opts.withDefaults(),
		now:    time.Now,
		reg:    newRegistry(),
		runCtx: context.Background(),
	}
}

// SetBroadcaster attaches a push channel for high bid and auction ended
// events
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// NodeID returns the group member name of this node
func (s *Service) NodeID() string {
	return s.coord.NodeID()
}

// Run joins the group, follows this node's assignment and campaigns for
// leadership until ctx is done, then prepares for shutdown.
func (s *Service) Run(ctx context.Context) error {
	logger := log.WithField("node", s.NodeID())

	if s.opts.JoinDelay > 0 {
		logger.WithField("delay", s.opts.JoinDelay).Info("Delaying group join")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.JoinDelay):
		}
	}

	binding, err := s.bus.SubscribeUpdates(s.handleUpdate)
	if err != nil {
		return err
	}
	s.campaignMu.Lock()
	s.updateBinding = binding
	s.campaignMu.Unlock()

	if err := s.coord.Join(ctx); err != nil {
		_ = binding.Unbind()
		return err
	}
	s.seedUpdaters(ctx)

	s.assignMu.Lock()
	s.runCtx = ctx
	s.assignMu.Unlock()
	if err := s.coord.WatchAssignment(ctx, s.NodeID(), s.onAssignment); err != nil {
		s.PrepareForShutdown(context.Background())
		return err
	}

	campaignCtx, cancel := context.WithCancel(ctx)
	s.campaignMu.Lock()
	s.stopCampaign = cancel
	s.campaignMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.coord.CampaignLeader(campaignCtx, s.lead)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		s.PrepareForShutdown(shutdownCtx)
		return nil
	})
	logger.Info("Live auction service running")
	return g.Wait()
}

// PrepareForShutdown stops taking assignments, returns undelivered bids
// to the bus, steps down, leaves the group and completes all pending
// long polls. It is safe to call more than once.
func (s *Service) PrepareForShutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.exiting.Store(true)
		log.WithField("node", s.NodeID()).Warn("Preparing for shutdown")

		s.campaignMu.Lock()
		if s.stopCampaign != nil {
			s.stopCampaign()
		}
		updates := s.updateBinding
		s.campaignMu.Unlock()

		s.assignMu.Lock()
		for _, id := range s.reg.ownedIDs() {
			s.stopAuctioneer(id, false)
		}
		s.assignMu.Unlock()

		for _, u := range s.reg.allUpdaters() {
			u.Shutdown()
		}

		if err := s.coord.Leave(ctx); err != nil {
			log.WithError(err).Warn("Failed to leave group")
		}
		if updates != nil {
			if err := updates.Unbind(); err != nil {
				log.WithError(err).Warn("Failed to unsubscribe from updates")
			}
		}
		s.ReleaseNextBid()
	})
}

// IsLeader reports whether this node currently runs the assignment loop
func (s *Service) IsLeader() bool {
	return s.coord.IsLeader()
}

// IsExiting reports whether PrepareForShutdown has been called
func (s *Service) IsExiting() bool {
	return s.exiting.Load()
}

// ReleaseNextBid completes every long poll waiting on this node
func (s *Service) ReleaseNextBid() {
	for _, u := range s.reg.allUpdaters() {
		u.Release()
	}
}

// OwnedAuctions lists the auctions driven by this node
func (s *Service) OwnedAuctions() []int64 {
	return s.reg.ownedIDs()
}

// PostNewBid records a bid as RECEIVED and routes it to the owning node.
// The outcome is visible later through the bid log and the high bid.
func (s *Service) PostNewBid(ctx context.Context, req models.BidRequest) (*models.BidResponse, error) {
	if req.AuctionID <= 0 || req.ItemID <= 0 || req.UserID <= 0 {
		return nil, errors.Wrap(ErrInvalidBid, "auction, item and user are required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.Wrap(ErrInvalidBid, "amount must be positive")
	}
	if s.exiting.Load() {
		return nil, ErrShuttingDown
	}

	bid := models.Bid{
		ID:            uuid.New().String(),
		AuctionID:     req.AuctionID,
		ItemID:        req.ItemID,
		BidderID:      req.UserID,
		Amount:        req.Amount,
		BidTime:       s.now(),
		ReceivingNode: s.NodeID(),
		State:         models.BidReceived,
	}
	if s.bids != nil {
		if err := s.bids.SaveBid(ctx, &bid); err != nil {
			return nil, errors.Wrap(err, "failed to record bid")
		}
	}
	if err := s.bus.Publish(ctx, models.NewBidEvent{Bid: bid}); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"bid_id":     bid.ID,
		"auction_id": bid.AuctionID,
		"item_id":    bid.ItemID,
		"amount":     bid.Amount,
	}).Debug("Bid posted")

	return &models.BidResponse{
		BidID:     bid.ID,
		AuctionID: bid.AuctionID,
		ItemID:    bid.ItemID,
		State:     bid.State,
		Message:   "bid received",
	}, nil
}

// updaterFor returns the auction's updater. When no event for the
// auction has arrived yet, the updater is seeded from the active high bid
// of a RUNNING auction in the shared store.
func (s *Service) updaterFor(ctx context.Context, auctionID int64) (*Updater, error) {
	if u, ok := s.reg.updater(auctionID); ok {
		return u, nil
	}
	if s.reg.isEnded(auctionID) {
		return nil, errors.Wrapf(ErrAuctionNotTracked, "auction %d has ended", auctionID)
	}
	if s.exiting.Load() {
		return nil, ErrShuttingDown
	}

	auction, err := s.store.Auction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrAuctionNotTracked, "auction %d", auctionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load auction %d", auctionID)
	}
	if auction.State != models.AuctionRunning {
		return nil, errors.Wrapf(ErrAuctionNotTracked, "auction %d is %s", auctionID, auction.State)
	}
	hb, err := s.store.ActiveHighBid(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrAuctionNotTracked, "auction %d has no active item", auctionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load active high bid of auction %d", auctionID)
	}

	u, ok := s.reg.updaterOrCreate(auctionID)
	if !ok {
		return nil, errors.Wrapf(ErrAuctionNotTracked, "auction %d has ended", auctionID)
	}
	u.HandleHighBid(*hb)
	log.WithFields(log.Fields{"auction_id": auctionID, "item_id": hb.ItemID, "bid_count": hb.BidCount}).
		Debug("Seeded updater from the shared store")
	return u, nil
}

// seedUpdaters creates updaters for every RUNNING auction so clients of a
// freshly started node see the current items at once
func (s *Service) seedUpdaters(ctx context.Context) {
	ids, err := s.store.AuctionIDsInState(ctx, models.AuctionRunning)
	if err != nil {
		log.WithError(err).Warn("Failed to list running auctions")
		return
	}
	for _, id := range ids {
		if _, err := s.updaterFor(ctx, id); err != nil {
			log.WithError(err).WithField("auction_id", id).Debug("Updater not seeded")
		}
	}
}

// NextBid long-polls for the item's next high bid for at most the
// configured timeout
func (s *Service) NextBid(ctx context.Context, auctionID, itemID int64, lastBidCount int) (*models.HighBid, error) {
	u, err := s.updaterFor(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.LongPollTimeout)
	defer cancel()
	return u.NextBid(ctx, itemID, lastBidCount)
}

// CurrentItem returns the item open for bidding in an auction
func (s *Service) CurrentItem(auctionID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u, err := s.updaterFor(ctx, auctionID)
	if err != nil {
		return 0, err
	}
	id, ok := u.CurrentItem()
	if !ok {
		return 0, errors.Wrapf(ErrNoHighBid, "auction %d has no open item", auctionID)
	}
	return id, nil
}

// BidHistory returns the logged bids of an item, newest first
func (s *Service) BidHistory(ctx context.Context, auctionID, itemID int64, limit int) ([]*models.Bid, error) {
	if s.bids == nil {
		return nil, nil
	}
	return s.bids.BidHistory(ctx, auctionID, itemID, limit)
}

// HandleNewBid hands a routed bid to the auction's auctioneer. A bid for
// an auction this node does not drive goes back to the bus for its owner.
func (s *Service) HandleNewBid(bid models.Bid) {
	if a, ok := s.reg.auctioneer(bid.AuctionID); ok {
		a.HandleNewBid(bid)
		return
	}
	log.WithFields(log.Fields{"auction_id": bid.AuctionID, "bid_id": bid.ID}).
		Warn("Received bid for an auction not running here, returning it to the bus")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, models.NewBidEvent{Bid: bid}); err != nil {
		log.WithError(err).WithField("bid_id", bid.ID).Error("Failed to return bid to the bus")
	}
}

// HandleHighBid feeds the auction's updater. It reports false when the
// bid was dropped because the auction already ended.
func (s *Service) HandleHighBid(hb models.HighBid) bool {
	if hb.AuctionID == 0 {
		log.WithField("item_id", hb.ItemID).Warn("High bid without auction")
		return false
	}
	u, ok := s.reg.updaterOrCreate(hb.AuctionID)
	if !ok {
		log.WithFields(log.Fields{"auction_id": hb.AuctionID, "item_id": hb.ItemID}).
			Debug("Dropping high bid of an ended auction")
		return false
	}
	u.HandleHighBid(hb)
	return true
}

// HandleAuctionEnded drops the auction's updater and stops its
// auctioneer. The shared store is not touched, so redelivery is harmless.
func (s *Service) HandleAuctionEnded(auctionID int64) {
	log.WithField("auction_id", auctionID).Info("Auction ended")
	if u, ok := s.reg.endAuction(auctionID); ok {
		u.Shutdown()
	}
	s.assignMu.Lock()
	s.stopAuctioneer(auctionID, true)
	s.assignMu.Unlock()
}

func (s *Service) handleUpdate(e models.Event) {
	switch ev := e.(type) {
	case models.HighBidEvent:
		if !s.HandleHighBid(ev.HighBid) {
			return
		}
	case models.AuctionEndedEvent:
		s.HandleAuctionEnded(ev.Auction)
	case models.NewBidEvent:
		log.WithField("bid_id", ev.Bid.ID).Warn("Unexpected bid on update subscription")
		return
	}

	if s.broadcaster == nil {
		return
	}
	payload, err := models.EncodeEvent(e)
	if err != nil {
		log.WithError(err).Warn("Failed to encode update for clients")
		return
	}
	s.broadcaster.Broadcast(e.AuctionID(), payload)
}

func (s *Service) auctioneerConfig() auctioneer.Config {
	return auctioneer.Config{
		Store:       s.store,
		Bids:        s.bids,
		Publisher:   s.bus,
		Scheduler:   s.sched,
		MaxIdleTime: s.opts.AuctionMaxIdleTime,
	}
}
