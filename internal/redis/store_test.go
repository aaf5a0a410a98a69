package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/weathervane-sub001/internal/models"
	"github.com/vmware/weathervane-sub001/internal/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb), mr
}

func seed(t *testing.T, s *Store, start time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		if err := tx.PutAuction(ctx, &models.Auction{ID: 1, Name: "spring", State: models.AuctionFuture, StartTime: start}); err != nil {
			return err
		}
		for _, id := range []int64{12, 11} {
			if err := tx.PutItem(ctx, &models.Item{ID: id, AuctionID: 1, State: models.ItemInAuction, StartingBidAmount: decimal.NewFromInt(5)}); err != nil {
				return err
			}
		}
		return tx.PutUser(ctx, &models.User{ID: 7, Email: models.UnsoldUserName})
	}))
}

func TestStoreRoundTripAndOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s, time.Now().Add(time.Minute))

	a, err := s.Auction(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "spring", a.Name)
	assert.Equal(t, int64(1), a.Version)

	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		first, err := tx.FirstItem(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(11), first.ID)

		next, err := tx.NextItem(ctx, 1, 11)
		require.NoError(t, err)
		assert.Equal(t, int64(12), next.ID)

		_, err = tx.NextItem(ctx, 1, 12)
		assert.ErrorIs(t, err, store.ErrNotFound)

		u, err := tx.UserByName(ctx, models.UnsoldUserName)
		require.NoError(t, err)
		assert.Equal(t, int64(7), u.ID)
		return nil
	}))
}

func TestStoreStateIndexes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s, time.Now().Add(time.Minute))

	soon, err := s.AuctionsStartingBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, soon)

	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		a, err := tx.Auction(ctx, 1)
		if err != nil {
			return err
		}
		a.State = models.AuctionRunning
		if err := tx.PutAuction(ctx, a); err != nil {
			return err
		}
		return tx.PutHighBid(ctx, &models.HighBid{ItemID: 11, AuctionID: 1, State: models.HighBidOpen, BidCount: 1, Amount: decimal.NewFromInt(5)})
	}))

	running, err := s.AuctionIDsInState(ctx, models.AuctionRunning)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, running)

	future, err := s.AuctionIDsInState(ctx, models.AuctionFuture)
	require.NoError(t, err)
	assert.Empty(t, future)

	soon, err = s.AuctionsStartingBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, soon)

	hb, err := s.ActiveHighBid(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), hb.ItemID)
	assert.Equal(t, int64(1), hb.Version)
}

func TestStoreConcurrentWriterConflicts(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	seed(t, s, time.Now())

	err := s.Transact(ctx, func(tx store.Tx) error {
		a, err := tx.Auction(ctx, 1)
		if err != nil {
			return err
		}
		// another node touches the watched record before EXEC
		require.NoError(t, mr.Set(auctionKey(1), `{"id":1,"state":"PENDING","version":2}`))
		a.State = models.AuctionPending
		return tx.PutAuction(ctx, a)
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, store.OutcomeConflict, store.Classify(err))
}

func TestStoreStaleVersionRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, s, time.Now())

	stale := &models.Auction{ID: 1, State: models.AuctionInvalid, Version: 0}
	err := s.Transact(ctx, func(tx store.Tx) error {
		return tx.PutAuction(ctx, stale)
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	a, err := s.Auction(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionFuture, a.State)
}

func TestStoreDomainErrorPassesThrough(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.Transact(ctx, func(tx store.Tx) error {
		_, err := tx.Auction(ctx, 404)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, store.OutcomeTerminal, store.Classify(err))
}
