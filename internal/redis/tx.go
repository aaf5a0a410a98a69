package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/vmware/weathervane-sub001/internal/models"
	"github.com/vmware/weathervane-sub001/internal/store"
)

type op func(ctx context.Context, pipe redis.Pipeliner)

// tx buffers writes until EXEC. Every key it reads or writes is WATCHed
// first, and writes are visible to later reads in the same transaction.
type tx struct {
	rtx       *redis.Tx
	watched   map[string]bool
	versions  map[string]int64
	pending   map[string][]byte
	ops       []op
	committed []func()
}

func newTx(rtx *redis.Tx) *tx {
	return &tx{
		rtx:      rtx,
		watched:  make(map[string]bool),
		versions: make(map[string]int64),
		pending:  make(map[string][]byte),
	}
}

func (t *tx) watch(ctx context.Context, key string) error {
	if t.watched[key] {
		return nil
	}
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return errors.Wrapf(mapError(err), "watch %s", key)
	}
	t.watched[key] = true
	return nil
}

type versioned struct {
	Version int64 `json:"version"`
}

// read loads a JSON record and remembers the version seen
func (t *tx) read(ctx context.Context, key string, v any) error {
	if data, ok := t.pending[key]; ok {
		return json.Unmarshal(data, v)
	}
	if err := t.watch(ctx, key); err != nil {
		return err
	}
	data, err := t.rtx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		t.versions[key] = 0
		return store.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(mapError(err), "get %s", key)
	}
	var ver versioned
	if err := json.Unmarshal(data, &ver); err != nil {
		return errors.Wrapf(err, "decode version of %s", key)
	}
	t.versions[key] = ver.Version
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", key)
}

// write checks expected against the stored version and queues a SET of
// the record with its version advanced. setVersion runs after EXEC.
func (t *tx) write(ctx context.Context, key string, expected int64, v any, setVersion func(int64)) error {
	current, seen := t.versions[key]
	if !seen {
		var ver versioned
		err := t.read(ctx, key, &ver)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		current = t.versions[key]
	}
	if current != expected {
		return errors.Wrapf(store.ErrConflict, "%s at version %d, expected %d", key, current, expected)
	}

	next := expected + 1
	setVersion(next)
	data, err := json.Marshal(v)
	setVersion(expected)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}

	t.pending[key] = data
	t.versions[key] = next
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, data, 0)
	})
	t.committed = append(t.committed, func() { setVersion(next) })
	return nil
}

func (t *tx) Auction(ctx context.Context, id int64) (*models.Auction, error) {
	var a models.Auction
	if err := t.read(ctx, auctionKey(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *tx) PutAuction(ctx context.Context, a *models.Auction) error {
	if err := t.write(ctx, auctionKey(a.ID), a.Version, a, func(v int64) { a.Version = v }); err != nil {
		return err
	}
	id, state, start := a.ID, a.State, a.StartTime.Unix()
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		for _, s := range auctionStates {
			if s != state {
				pipe.SRem(ctx, stateKey(s), id)
			}
		}
		pipe.SAdd(ctx, stateKey(state), id)
		pipe.ZAdd(ctx, startIndexKey, redis.Z{Score: float64(start), Member: id})
	})
	return nil
}

func (t *tx) Item(ctx context.Context, id int64) (*models.Item, error) {
	var it models.Item
	if err := t.read(ctx, itemKey(id), &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (t *tx) PutItem(ctx context.Context, it *models.Item) error {
	if err := t.write(ctx, itemKey(it.ID), it.Version, it, func(v int64) { it.Version = v }); err != nil {
		return err
	}
	id, auctionID := it.ID, it.AuctionID
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, itemIndexKey(auctionID), redis.Z{Score: float64(id), Member: id})
	})
	return nil
}

// itemAfter returns the first item id in the auction's index with a
// score in the given range. Items queued earlier in this transaction are
// not visible to it.
func (t *tx) itemAfter(ctx context.Context, auctionID int64, min string) (*models.Item, error) {
	key := itemIndexKey(auctionID)
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	ids, err := t.rtx.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "range %s", key)
	}
	if len(ids) == 0 {
		return nil, store.ErrNotFound
	}
	id, err := strconv.ParseInt(ids[0], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed item id %q in %s", ids[0], key)
	}
	return t.Item(ctx, id)
}

func (t *tx) FirstItem(ctx context.Context, auctionID int64) (*models.Item, error) {
	return t.itemAfter(ctx, auctionID, "-inf")
}

func (t *tx) NextItem(ctx context.Context, auctionID, afterItemID int64) (*models.Item, error) {
	return t.itemAfter(ctx, auctionID, fmt.Sprintf("(%d", afterItemID))
}

func (t *tx) HighBid(ctx context.Context, itemID int64) (*models.HighBid, error) {
	var hb models.HighBid
	if err := t.read(ctx, highBidKey(itemID), &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}

func (t *tx) PutHighBid(ctx context.Context, hb *models.HighBid) error {
	if err := t.write(ctx, highBidKey(hb.ItemID), hb.Version, hb, func(v int64) { hb.Version = v }); err != nil {
		return err
	}
	auctionID, itemID := hb.AuctionID, hb.ItemID
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, activeItemKey(auctionID), itemID, 0)
	})
	return nil
}

func (t *tx) User(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := t.read(ctx, userKey(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *tx) UserByName(ctx context.Context, email string) (*models.User, error) {
	key := userNameKey(email)
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	id, err := t.rtx.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "get %s", key)
	}
	return t.User(ctx, id)
}

func (t *tx) PutUser(ctx context.Context, u *models.User) error {
	if err := t.write(ctx, userKey(u.ID), u.Version, u, func(v int64) { u.Version = v }); err != nil {
		return err
	}
	id, email := u.ID, u.Email
	t.ops = append(t.ops, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, userNameKey(email), id, 0)
	})
	return nil
}
