package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmware/weathervane-sub001/internal/models"
)

type entry struct {
	version int64
	value   any
}

// Memory is an in-process Store with the same optimistic semantics as
// the Redis store. Used by tests and single-node development.
type Memory struct {
	mu        sync.Mutex
	data      map[string]entry
	conflicts int
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string]entry)}
}

// InjectConflicts makes the next n commits fail with ErrConflict
func (m *Memory) InjectConflicts(n int) {
	m.mu.Lock()
	m.conflicts = n
	m.mu.Unlock()
}

func auctionKey(id int64) string        { return fmt.Sprintf("auction:%d", id) }
func itemKey(id int64) string           { return fmt.Sprintf("item:%d", id) }
func itemIndexKey(auction int64) string { return fmt.Sprintf("auction:%d:items", auction) }
func activeItemKey(auction int64) string {
	return fmt.Sprintf("auction:%d:activeItem", auction)
}
func highBidKey(item int64) string    { return fmt.Sprintf("highbid:item:%d", item) }
func userKey(id int64) string         { return fmt.Sprintf("user:%d", id) }
func userNameKey(email string) string { return "user:name:" + email }

// Transact implements Store
func (m *Memory) Transact(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		m:      m,
		reads:  make(map[string]int64),
		writes: make(map[string]any),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *Memory) load(key string) (entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	return e, ok
}

// Auction implements Store
func (m *Memory) Auction(_ context.Context, id int64) (*models.Auction, error) {
	e, ok := m.load(auctionKey(id))
	if !ok {
		return nil, ErrNotFound
	}
	a := e.value.(models.Auction)
	return &a, nil
}

// ActiveHighBid implements Store
func (m *Memory) ActiveHighBid(_ context.Context, auctionID int64) (*models.HighBid, error) {
	e, ok := m.load(activeItemKey(auctionID))
	if !ok {
		return nil, ErrNotFound
	}
	hb, ok := m.load(highBidKey(e.value.(int64)))
	if !ok {
		return nil, ErrNotFound
	}
	v := hb.value.(models.HighBid)
	return &v, nil
}

func (m *Memory) auctions(match func(models.Auction) bool) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, e := range m.data {
		if a, ok := e.value.(models.Auction); ok && match(a) {
			ids = append(ids, a.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AuctionIDsInState implements Store
func (m *Memory) AuctionIDsInState(_ context.Context, state models.AuctionState) ([]int64, error) {
	return m.auctions(func(a models.Auction) bool { return a.State == state }), nil
}

// AuctionsStartingBefore implements Store
func (m *Memory) AuctionsStartingBefore(_ context.Context, t time.Time) ([]int64, error) {
	return m.auctions(func(a models.Auction) bool {
		return (a.State == models.AuctionFuture || a.State == models.AuctionPending) &&
			a.StartTime.Before(t)
	}), nil
}

type memTx struct {
	m      *Memory
	reads  map[string]int64
	writes map[string]any
}

// get returns the value visible to the transaction, tracking the version
// seen so commit can detect concurrent writers.
func (t *memTx) get(key string) (any, bool) {
	if v, ok := t.writes[key]; ok {
		return v, true
	}
	e, ok := t.m.load(key)
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = e.version
	}
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (t *memTx) put(key string, expected int64, v any) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = expected
	}
	t.writes[key] = v
}

func (t *memTx) commit() error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflicts > 0 {
		m.conflicts--
		return ErrConflict
	}
	for key, version := range t.reads {
		if m.data[key].version != version {
			return ErrConflict
		}
	}
	for key, v := range t.writes {
		version := m.data[key].version + 1
		var stored any
		switch rec := v.(type) {
		case *models.Auction:
			rec.Version = version
			stored = *rec
		case *models.Item:
			rec.Version = version
			stored = *rec
		case *models.HighBid:
			rec.Version = version
			stored = *rec
		case *models.User:
			rec.Version = version
			stored = *rec
		default:
			stored = v
		}
		m.data[key] = entry{version: version, value: stored}
	}
	return nil
}

func (t *memTx) Auction(_ context.Context, id int64) (*models.Auction, error) {
	v, ok := t.get(auctionKey(id))
	if !ok {
		return nil, ErrNotFound
	}
	return copyAuction(v), nil
}

func (t *memTx) PutAuction(_ context.Context, a *models.Auction) error {
	t.put(auctionKey(a.ID), a.Version, a)
	return nil
}

func (t *memTx) Item(_ context.Context, id int64) (*models.Item, error) {
	v, ok := t.get(itemKey(id))
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(v), nil
}

func (t *memTx) PutItem(ctx context.Context, it *models.Item) error {
	if it.Version == 0 {
		ids := t.itemIDs(it.AuctionID)
		i := sort.Search(len(ids), func(i int) bool { return ids[i] >= it.ID })
		if i == len(ids) || ids[i] != it.ID {
			updated := make([]int64, 0, len(ids)+1)
			updated = append(updated, ids[:i]...)
			updated = append(updated, it.ID)
			updated = append(updated, ids[i:]...)
			t.writes[itemIndexKey(it.AuctionID)] = updated
		}
	}
	t.put(itemKey(it.ID), it.Version, it)
	return nil
}

func (t *memTx) itemIDs(auctionID int64) []int64 {
	v, ok := t.get(itemIndexKey(auctionID))
	if !ok {
		return nil
	}
	return v.([]int64)
}

func (t *memTx) FirstItem(ctx context.Context, auctionID int64) (*models.Item, error) {
	ids := t.itemIDs(auctionID)
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return t.Item(ctx, ids[0])
}

func (t *memTx) NextItem(ctx context.Context, auctionID, afterItemID int64) (*models.Item, error) {
	for _, id := range t.itemIDs(auctionID) {
		if id > afterItemID {
			return t.Item(ctx, id)
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) HighBid(_ context.Context, itemID int64) (*models.HighBid, error) {
	v, ok := t.get(highBidKey(itemID))
	if !ok {
		return nil, ErrNotFound
	}
	return copyHighBid(v), nil
}

func (t *memTx) PutHighBid(_ context.Context, hb *models.HighBid) error {
	t.put(highBidKey(hb.ItemID), hb.Version, hb)
	t.writes[activeItemKey(hb.AuctionID)] = hb.ItemID
	return nil
}

func (t *memTx) User(_ context.Context, id int64) (*models.User, error) {
	v, ok := t.get(userKey(id))
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(v), nil
}

func (t *memTx) UserByName(ctx context.Context, email string) (*models.User, error) {
	v, ok := t.get(userNameKey(email))
	if !ok {
		return nil, ErrNotFound
	}
	return t.User(ctx, v.(int64))
}

func (t *memTx) PutUser(_ context.Context, u *models.User) error {
	t.put(userKey(u.ID), u.Version, u)
	t.writes[userNameKey(u.Email)] = u.ID
	return nil
}

// Values in the write set are pointers owned by the caller, committed
// values are plain structs. Both are copied on read.
func copyAuction(v any) *models.Auction {
	switch a := v.(type) {
	case *models.Auction:
		c := *a
		return &c
	default:
		c := v.(models.Auction)
		return &c
	}
}

func copyItem(v any) *models.Item {
	switch it := v.(type) {
	case *models.Item:
		c := *it
		return &c
	default:
		c := v.(models.Item)
		return &c
	}
}

func copyHighBid(v any) *models.HighBid {
	switch hb := v.(type) {
	case *models.HighBid:
		c := *hb
		return &c
	default:
		c := v.(models.HighBid)
		return &c
	}
}

func copyUser(v any) *models.User {
	switch u := v.(type) {
	case *models.User:
		c := *u
		return &c
	default:
		c := v.(models.User)
		return &c
	}
}
