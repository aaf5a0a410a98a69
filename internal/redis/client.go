package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/models"
	"github.com/vmware/weathervane-sub001/internal/store"
)

// Key layout
//
//	auction:{id}              JSON Auction
//	auction:{id}:items        ZSET of item ids scored by id (auction order)
//	auction:{id}:activeItem   id of the item whose HighBid is current
//	item:{id}                 JSON Item
//	highbid:item:{id}         JSON HighBid
//	user:{id}                 JSON User
//	user:name:{email}         user id
//	auctions:state:{STATE}    SET of auction ids in that state
//	auctions:start            ZSET of auction ids scored by start unix time
func auctionKey(id int64) string            { return fmt.Sprintf("auction:%d", id) }
func itemIndexKey(auctionID int64) string   { return fmt.Sprintf("auction:%d:items", auctionID) }
func activeItemKey(auctionID int64) string  { return fmt.Sprintf("auction:%d:activeItem", auctionID) }
func itemKey(id int64) string               { return fmt.Sprintf("item:%d", id) }
func highBidKey(itemID int64) string        { return fmt.Sprintf("highbid:item:%d", itemID) }
func userKey(id int64) string               { return fmt.Sprintf("user:%d", id) }
func userNameKey(email string) string       { return "user:name:" + email }
func stateKey(s models.AuctionState) string { return "auctions:state:" + string(s) }

const startIndexKey = "auctions:start"

var auctionStates = []models.AuctionState{
	models.AuctionFuture,
	models.AuctionPending,
	models.AuctionRunning,
	models.AuctionComplete,
	models.AuctionInvalid,
}

// Store is the Redis backed shared state store. Transactions use
// WATCH/MULTI/EXEC so a concurrent writer aborts the commit with
// store.ErrConflict instead of losing an update.
type Store struct {
	client *redis.Client
}

// NewClient connects to Redis and verifies the connection
func NewClient(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	log.WithField("addr", addr).Info("Connected to Redis")
	return NewStore(rdb), nil
}

// NewStore wraps an existing client
func NewStore(rdb *redis.Client) *Store {
	return &Store{client: rdb}
}

// Transact implements store.Store
func (s *Store) Transact(ctx context.Context, fn func(tx store.Tx) error) error {
	var t *tx
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		t = newTx(rtx)
		if err := fn(t); err != nil {
			return err
		}
		if len(t.ops) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range t.ops {
				op(ctx, pipe)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return mapError(err)
	}
	for _, done := range t.committed {
		done()
	}
	return nil
}

// mapError converts go-redis transaction failures to store errors and
// leaves everything else, including domain errors from fn, untouched.
func mapError(err error) error {
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return store.ErrConflict
	case errors.Is(err, redis.ErrPoolTimeout):
		return errors.Wrap(store.ErrLockUnavailable, err.Error())
	default:
		return err
	}
}

func getJSON(ctx context.Context, c redis.Cmdable, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "get %s", key)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", key)
}

// Auction implements store.Store
func (s *Store) Auction(ctx context.Context, id int64) (*models.Auction, error) {
	var a models.Auction
	if err := getJSON(ctx, s.client, auctionKey(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ActiveHighBid implements store.Store
func (s *Store) ActiveHighBid(ctx context.Context, auctionID int64) (*models.HighBid, error) {
	itemID, err := s.client.Get(ctx, activeItemKey(auctionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get active item")
	}
	var hb models.HighBid
	if err := getJSON(ctx, s.client, highBidKey(itemID), &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}

// AuctionIDsInState implements store.Store
func (s *Store) AuctionIDsInState(ctx context.Context, state models.AuctionState) ([]int64, error) {
	members, err := s.client.SMembers(ctx, stateKey(state)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "members of %s", stateKey(state))
	}
	return parseIDs(members), nil
}

// AuctionsStartingBefore implements store.Store
func (s *Store) AuctionsStartingBefore(ctx context.Context, t time.Time) ([]int64, error) {
	members, err := s.client.ZRangeByScore(ctx, startIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", t.Unix()),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range start index")
	}

	pipe := s.client.Pipeline()
	ids := parseIDs(members)
	future := make([]*redis.BoolCmd, len(ids))
	pending := make([]*redis.BoolCmd, len(ids))
	for i, id := range ids {
		future[i] = pipe.SIsMember(ctx, stateKey(models.AuctionFuture), id)
		pending[i] = pipe.SIsMember(ctx, stateKey(models.AuctionPending), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "check auction states")
	}

	var out []int64
	for i, id := range ids {
		if future[i].Val() || pending[i].Val() {
			out = append(out, id)
		}
	}
	return out, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			log.WithField("member", m).Warn("Skipping malformed id in index")
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
