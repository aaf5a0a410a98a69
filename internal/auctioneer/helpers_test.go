package auctioneer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vmware/weathervane-sub001/internal/models"
	"github.com/vmware/weathervane-sub001/internal/store"
)

const (
	unsoldID   int64 = 1
	aliceID    int64 = 2
	bobID      int64 = 3
	carolID    int64 = 4
	auctionID  int64 = 1
	firstItem  int64 = 10
	secondItem int64 = 20
	maxIdle          = 30 * time.Second
)

// manualScheduler queues work until the test runs it
type manualScheduler struct {
	mu     sync.Mutex
	tasks  []func()
	timers []*manualTimer
}

type manualTimer struct {
	s         *manualScheduler
	delay     time.Duration
	task      func()
	cancelled bool
	fired     bool
}

func (t *manualTimer) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	return true
}

func (s *manualScheduler) Execute(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

func (s *manualScheduler) Schedule(delay time.Duration, task func()) Cancelable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, delay: delay, task: task}
	s.timers = append(s.timers, t)
	return t
}

// runTasks runs queued Execute work, including work queued meanwhile
func (s *manualScheduler) runTasks() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		task()
	}
}

// armed returns timers that have neither fired nor been cancelled
func (s *manualScheduler) armed() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, t := range s.timers {
		if !t.cancelled && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the single armed timer
func (s *manualScheduler) fireNext(t *testing.T) *manualTimer {
	t.Helper()
	armed := s.armed()
	require.Len(t, armed, 1, "expected exactly one armed timer")
	timer := armed[0]
	s.mu.Lock()
	timer.fired = true
	s.mu.Unlock()
	timer.task()
	return timer
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) all() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Event(nil), p.events...)
}

func (p *recordingPublisher) last() models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) newBids() []models.Bid {
	var bids []models.Bid
	for _, e := range p.all() {
		if nb, ok := e.(models.NewBidEvent); ok {
			bids = append(bids, nb.Bid)
		}
	}
	return bids
}

type fixture struct {
	store *store.Memory
	bids  *store.MemoryBidLog
	pub   *recordingPublisher
	sched *manualScheduler
}

// newFixture seeds a FUTURE auction with two items starting at 5 and 7
// and three bidders with a limit of 100
func newFixture(t *testing.T, state models.AuctionState) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		bids:  store.NewMemoryBidLog(),
		pub:   &recordingPublisher{},
		sched: &manualScheduler{},
	}
	ctx := context.Background()
	err := f.store.Transact(ctx, func(tx store.Tx) error {
		if err := tx.PutAuction(ctx, &models.Auction{ID: auctionID, Name: "estate sale", State: state, StartTime: time.Now()}); err != nil {
			return err
		}
		for id, start := range map[int64]int64{firstItem: 5, secondItem: 7} {
			it := &models.Item{ID: id, AuctionID: auctionID, State: models.ItemInAuction, StartingBidAmount: decimal.NewFromInt(start)}
			if err := tx.PutItem(ctx, it); err != nil {
				return err
			}
		}
		users := []*models.User{
			{ID: unsoldID, Email: models.UnsoldUserName},
			{ID: aliceID, Email: "alice@auction.xyz", CreditLimit: decimal.NewFromInt(100)},
			{ID: bobID, Email: "bob@auction.xyz", CreditLimit: decimal.NewFromInt(100)},
			{ID: carolID, Email: "carol@auction.xyz", CreditLimit: decimal.NewFromInt(6)},
		}
		for _, u := range users {
			if err := tx.PutUser(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) config() Config {
	return Config{Store: f.store, Bids: f.bids, Publisher: f.pub, Scheduler: f.sched, MaxIdleTime: maxIdle}
}

// started returns an auctioneer whose auction is RUNNING on the first item
func (f *fixture) started(t *testing.T) *Auctioneer {
	t.Helper()
	a := New(auctionID, f.config())
	require.NoError(t, a.Start(context.Background()))
	f.sched.fireNext(t)
	require.NotNil(t, a.CurrentHighBid())
	return a
}

func (f *fixture) highBid(t *testing.T, itemID int64) *models.HighBid {
	t.Helper()
	var hb *models.HighBid
	err := f.store.Transact(context.Background(), func(tx store.Tx) error {
		var err error
		hb, err = tx.HighBid(context.Background(), itemID)
		return err
	})
	require.NoError(t, err)
	return hb
}

func (f *fixture) item(t *testing.T, id int64) *models.Item {
	t.Helper()
	var it *models.Item
	err := f.store.Transact(context.Background(), func(tx store.Tx) error {
		var err error
		it, err = tx.Item(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return it
}

func (f *fixture) user(t *testing.T, id int64) *models.User {
	t.Helper()
	var u *models.User
	err := f.store.Transact(context.Background(), func(tx store.Tx) error {
		var err error
		u, err = tx.User(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) auction(t *testing.T) *models.Auction {
	t.Helper()
	a, err := f.store.Auction(context.Background(), auctionID)
	require.NoError(t, err)
	return a
}

func (f *fixture) bidState(t *testing.T, id string) models.BidState {
	t.Helper()
	b, ok := f.bids.Get(id)
	require.True(t, ok, "bid %s not logged", id)
	return b.State
}

func bid(id string, itemID, bidder int64, amount int64) models.Bid {
	return models.Bid{
		ID:        id,
		AuctionID: auctionID,
		ItemID:    itemID,
		BidderID:  bidder,
		Amount:    decimal.NewFromInt(amount),
		BidTime:   time.Now(),
		State:     models.BidReceived,
	}
}

func testLogger() *log.Entry {
	return log.WithField("test", true)
}
