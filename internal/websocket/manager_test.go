package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager()
	go m.Run(ctx)

	router := mux.NewRouter()
	NewHandler(m).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return m, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestBroadcastReachesAuctionWatchers(t *testing.T) {
	m, srv := newTestServer(t)

	watcher := dial(t, srv, "/ws/auctions/7")
	other := dial(t, srv, "/ws/auctions/8")

	hello := readJSON(t, watcher)
	assert.Equal(t, "connected", hello["type"])
	assert.Equal(t, float64(7), hello["auction_id"])
	readJSON(t, other)

	require.Eventually(t, func() bool { return m.SubscriberCount(7) == 1 }, time.Second, 10*time.Millisecond)

	m.Broadcast(7, []byte(`{"kind":"HIGH_BID"}`))
	msg := readJSON(t, watcher)
	assert.Equal(t, "HIGH_BID", msg["kind"])

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	m, srv := newTestServer(t)

	conn := dial(t, srv, "/ws/auctions/3")
	readJSON(t, conn)
	require.Eventually(t, func() bool { return m.SubscriberCount(3) == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return m.SubscriberCount(3) == 0 }, 2*time.Second, 10*time.Millisecond)

	// broadcasting to an auction without watchers is harmless
	m.Broadcast(3, []byte(`{}`))
}

func TestStats(t *testing.T) {
	m, srv := newTestServer(t)
	conn := dial(t, srv, "/ws/auctions/5")
	readJSON(t, conn)
	require.Eventually(t, func() bool { return m.SubscriberCount(5) == 1 }, time.Second, 10*time.Millisecond)

	resp, err := srv.Client().Get(srv.URL + "/ws/auctions/5/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats["subscribers"])
}

func TestRunStopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	router := mux.NewRouter()
	NewHandler(m).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dial(t, srv, "/ws/auctions/1")
	readJSON(t, conn)
	require.Eventually(t, func() bool { return m.SubscriberCount(1) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, m.SubscriberCount(1))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
