package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/weathervane-sub001/internal/models"
)

func TestSeed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Now().Add(time.Minute)
	plan := SeedPlan{
		AuctionID:   3,
		Items:       2,
		Bidders:     2,
		StartTime:   start,
		StartingBid: decimal.NewFromInt(10),
		CreditLimit: decimal.NewFromInt(500),
	}
	require.NoError(t, Seed(ctx, m, plan))

	a, err := m.Auction(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionFuture, a.State)
	assert.True(t, a.StartTime.Equal(start))

	err = m.Transact(ctx, func(tx Tx) error {
		first, err := tx.FirstItem(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, SeedItemID(3, 1), first.ID)
		assert.Equal(t, models.ItemInAuction, first.State)

		next, err := tx.NextItem(ctx, 3, first.ID)
		require.NoError(t, err)
		assert.Equal(t, SeedItemID(3, 2), next.ID)

		sentinel, err := tx.UserByName(ctx, models.UnsoldUserName)
		require.NoError(t, err)
		assert.Equal(t, SentinelUserID, sentinel.ID)

		bidder, err := tx.User(ctx, SentinelUserID+2)
		require.NoError(t, err)
		assert.True(t, bidder.CreditLimit.Equal(decimal.NewFromInt(500)))
		return nil
	})
	require.NoError(t, err)

	ids, err := m.AuctionsStartingBefore(ctx, start.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestSeedKeepsExistingBidders(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	plan := SeedPlan{AuctionID: 1, Items: 1, Bidders: 1, StartTime: time.Now(), CreditLimit: decimal.NewFromInt(100)}
	require.NoError(t, Seed(ctx, m, plan))

	// spend some credit, then seed a second auction
	require.NoError(t, m.Transact(ctx, func(tx Tx) error {
		u, err := tx.User(ctx, 2)
		if err != nil {
			return err
		}
		u.CreditLimit = decimal.NewFromInt(40)
		return tx.PutUser(ctx, u)
	}))
	plan.AuctionID = 2
	require.NoError(t, Seed(ctx, m, plan))

	require.NoError(t, m.Transact(ctx, func(tx Tx) error {
		u, err := tx.User(ctx, 2)
		require.NoError(t, err)
		assert.True(t, u.CreditLimit.Equal(decimal.NewFromInt(40)))
		return nil
	}))
}

func TestSeedRejectsEmptyPlan(t *testing.T) {
	assert.Error(t, Seed(context.Background(), NewMemory(), SeedPlan{AuctionID: 1}))
	assert.Error(t, Seed(context.Background(), NewMemory(), SeedPlan{Items: 1}))
}
