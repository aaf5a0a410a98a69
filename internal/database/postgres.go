package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/models"
)

// PostgresClient wraps the PostgreSQL connection holding the bid log
// and the archived high bid history
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("Connected to PostgreSQL")
	return NewPostgresClientFromDB(db), nil
}

// NewPostgresClientFromDB wraps an already opened handle
func NewPostgresClientFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

const schema = `
	CREATE TABLE IF NOT EXISTS bids (
		id VARCHAR(64) PRIMARY KEY,
		auction_id BIGINT NOT NULL,
		item_id BIGINT NOT NULL,
		bidder_id BIGINT NOT NULL,
		amount NUMERIC(12, 2) NOT NULL,
		bid_time TIMESTAMPTZ NOT NULL,
		receiving_node VARCHAR(255) NOT NULL,
		state VARCHAR(32) NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_bids_item ON bids(auction_id, item_id, bid_time DESC);
	CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder_id);

	CREATE TABLE IF NOT EXISTS high_bid_history (
		auction_id BIGINT NOT NULL,
		item_id BIGINT NOT NULL,
		bid_count INT NOT NULL,
		bid_id VARCHAR(64),
		bidder_id BIGINT NOT NULL,
		amount NUMERIC(12, 2) NOT NULL,
		state VARCHAR(32) NOT NULL,
		current_bid_time TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (item_id, bid_count)
	);
	`

// InitSchema creates the necessary database tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}

// SaveBid inserts a bid or advances the state of an already logged one
func (c *PostgresClient) SaveBid(ctx context.Context, bid *models.Bid) error {
	query := `
		INSERT INTO bids (id, auction_id, item_id, bidder_id, amount, bid_time, receiving_node, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    updated_at = CURRENT_TIMESTAMP
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		bid.ID,
		bid.AuctionID,
		bid.ItemID,
		bid.BidderID,
		bid.Amount,
		bid.BidTime,
		bid.ReceivingNode,
		string(bid.State),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save bid %s", bid.ID)
	}
	return nil
}

// BidHistory retrieves the newest bids for an item
func (c *PostgresClient) BidHistory(ctx context.Context, auctionID, itemID int64, limit int) ([]*models.Bid, error) {
	query := `
		SELECT id, auction_id, item_id, bidder_id, amount, bid_time, receiving_node, state
		FROM bids
		WHERE auction_id = $1 AND item_id = $2
		ORDER BY bid_time DESC
		LIMIT $3
	`

	rows, err := c.db.QueryContext(ctx, query, auctionID, itemID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query bids")
	}
	defer rows.Close()

	var bids []*models.Bid
	for rows.Next() {
		bid := &models.Bid{}
		var state string
		err := rows.Scan(
			&bid.ID,
			&bid.AuctionID,
			&bid.ItemID,
			&bid.BidderID,
			&bid.Amount,
			&bid.BidTime,
			&bid.ReceivingNode,
			&state,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan bid")
		}
		bid.State = models.BidState(state)
		bids = append(bids, bid)
	}
	return bids, errors.Wrap(rows.Err(), "iterate bids")
}

// RecordHighBid archives one HighBid snapshot. Redelivered snapshots are
// ignored, a (item, bid count) pair is written once.
func (c *PostgresClient) RecordHighBid(ctx context.Context, hb *models.HighBid) error {
	query := `
		INSERT INTO high_bid_history (auction_id, item_id, bid_count, bid_id, bidder_id, amount, state, current_bid_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (item_id, bid_count) DO NOTHING
	`

	_, err := c.db.ExecContext(
		ctx,
		query,
		hb.AuctionID,
		hb.ItemID,
		hb.BidCount,
		hb.BidID,
		hb.BidderID,
		hb.Amount,
		string(hb.State),
		hb.CurrentBidTime,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record high bid for item %d", hb.ItemID)
	}
	return nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}
