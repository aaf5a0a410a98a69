package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/models"
)

// SeedPlan describes a demo auction
type SeedPlan struct {
	AuctionID   int64
	Items       int
	Bidders     int
	StartTime   time.Time
	StartingBid decimal.Decimal
	CreditLimit decimal.Decimal
}

// SentinelUserID is the id given to the unsold bidder by Seed
const SentinelUserID int64 = 1

// SeedItemID returns the id of the n-th item (from 1) of an auction.
// Item ids of different auctions never overlap and keep their order.
func SeedItemID(auctionID int64, n int) int64 {
	return auctionID*1000 + int64(n)
}

// Seed writes a FUTURE auction with its items, the bidders and the
// unsold sentinel in one transaction. Existing bidders are left as they
// are so several auctions can be seeded against the same users.
func Seed(ctx context.Context, s Store, p SeedPlan) error {
	if p.AuctionID <= 0 || p.Items <= 0 || p.Items >= 1000 {
		return errors.Errorf("invalid seed plan: auction %d with %d items", p.AuctionID, p.Items)
	}

	err := s.Transact(ctx, func(tx Tx) error {
		auction := &models.Auction{
			ID:        p.AuctionID,
			Name:      fmt.Sprintf("Auction %d", p.AuctionID),
			State:     models.AuctionFuture,
			StartTime: p.StartTime,
		}
		if existing, err := tx.Auction(ctx, p.AuctionID); err == nil {
			auction.Version = existing.Version
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := tx.PutAuction(ctx, auction); err != nil {
			return err
		}

		for n := 1; n <= p.Items; n++ {
			it := &models.Item{
				ID:                SeedItemID(p.AuctionID, n),
				AuctionID:         p.AuctionID,
				Name:              fmt.Sprintf("Lot %d", n),
				StartingBidAmount: p.StartingBid,
				State:             models.ItemInAuction,
			}
			if existing, err := tx.Item(ctx, it.ID); err == nil {
				it.Version = existing.Version
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := tx.PutItem(ctx, it); err != nil {
				return err
			}
		}

		users := []*models.User{{ID: SentinelUserID, Email: models.UnsoldUserName}}
		for n := 1; n <= p.Bidders; n++ {
			users = append(users, &models.User{
				ID:          SentinelUserID + int64(n),
				Email:       fmt.Sprintf("bidder%d@auction.xyz", n),
				CreditLimit: p.CreditLimit,
			})
		}
		for _, u := range users {
			if _, err := tx.User(ctx, u.ID); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := tx.PutUser(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to seed auction %d", p.AuctionID)
	}

	log.WithFields(log.Fields{
		"auction_id": p.AuctionID,
		"items":      p.Items,
		"bidders":    p.Bidders,
		"start_time": p.StartTime,
	}).Info("Seeded auction")
	return nil
}
