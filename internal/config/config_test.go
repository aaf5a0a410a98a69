package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LIVEAUCTION_NODE_ID", "node-a")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 30*time.Second, cfg.AuctionMaxIdleTime)
	assert.Equal(t, 20*time.Second, cfg.AuctionQueueUpdateDelay)
	assert.Equal(t, 10*time.Second, cfg.MembershipChangeDelay)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LIVEAUCTION_NODE_ID", "node-b")
	t.Setenv("LIVEAUCTION_AUCTION_MAX_IDLE_TIME", "2s")
	t.Setenv("LIVEAUCTION_REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.AuctionMaxIdleTime)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoadRejectsNonPositiveIdleTime(t *testing.T) {
	t.Setenv("LIVEAUCTION_NODE_ID", "node-c")
	t.Setenv("LIVEAUCTION_AUCTION_MAX_IDLE_TIME", "0s")

	_, err := Load()
	assert.Error(t, err)
}
