package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/weathervane-sub001/internal/liveauction"
	"github.com/vmware/weathervane-sub001/internal/models"
)

type fakeLive struct {
	leader    bool
	exiting   bool
	posted    []models.BidRequest
	postErr   error
	next      *models.HighBid
	nextErr   error
	nextArgs  []int64
	history   []*models.Bid
	limit     int
	releases  int
	shutdowns int
}

func (f *fakeLive) NodeID() string         { return "node-a" }
func (f *fakeLive) IsLeader() bool         { return f.leader }
func (f *fakeLive) IsExiting() bool        { return f.exiting }
func (f *fakeLive) OwnedAuctions() []int64 { return []int64{1, 4} }
func (f *fakeLive) ReleaseNextBid()        { f.releases++ }

func (f *fakeLive) PrepareForShutdown(context.Context) {
	f.shutdowns++
	f.exiting = true
}

func (f *fakeLive) PostNewBid(_ context.Context, req models.BidRequest) (*models.BidResponse, error) {
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.posted = append(f.posted, req)
	return &models.BidResponse{BidID: "b1", AuctionID: req.AuctionID, ItemID: req.ItemID, State: models.BidReceived}, nil
}

func (f *fakeLive) NextBid(_ context.Context, auctionID, itemID int64, last int) (*models.HighBid, error) {
	f.nextArgs = []int64{auctionID, itemID, int64(last)}
	return f.next, f.nextErr
}

func (f *fakeLive) CurrentItem(auctionID int64) (int64, error) {
	if auctionID != 1 {
		return 0, liveauction.ErrAuctionNotTracked
	}
	return 10, nil
}

func (f *fakeLive) BidHistory(_ context.Context, _, _ int64, limit int) ([]*models.Bid, error) {
	f.limit = limit
	return f.history, nil
}

func do(t *testing.T, live *fakeLive, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	NewHandler(live).SetupRoutes().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	live := &fakeLive{}
	rec := do(t, live, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	live.exiting = true
	rec = do(t, live, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPostBid(t *testing.T) {
	live := &fakeLive{}
	rec := do(t, live, http.MethodPost, "/live/auctions/3/bids", `{"item_id":10,"user_id":2,"amount":"12.50"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "b1", decode(t, rec)["bid_id"])
	require.Len(t, live.posted, 1)
	assert.Equal(t, int64(3), live.posted[0].AuctionID)
	assert.True(t, live.posted[0].Amount.Equal(decimal.RequireFromString("12.50")))
}

func TestPostBidErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		body    string
		postErr error
		want    int
	}{
		{"bad body", "/live/auctions/3/bids", "{", nil, http.StatusBadRequest},
		{"mismatched auction", "/live/auctions/3/bids", `{"auction_id":4}`, nil, http.StatusBadRequest},
		{"invalid bid", "/live/auctions/3/bids", `{}`, errors.Wrap(liveauction.ErrInvalidBid, "amount"), http.StatusBadRequest},
		{"exiting", "/live/auctions/3/bids", `{}`, liveauction.ErrShuttingDown, http.StatusServiceUnavailable},
		{"store down", "/live/auctions/3/bids", `{}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, &fakeLive{postErr: tt.postErr}, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestGetNextBid(t *testing.T) {
	live := &fakeLive{next: &models.HighBid{AuctionID: 1, ItemID: 10, BidCount: 4, State: models.HighBidLastCall}}
	rec := do(t, live, http.MethodGet, "/live/auctions/1/next?item=10&count=3", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1, 10, 3}, live.nextArgs)
	body := decode(t, rec)
	assert.Equal(t, float64(4), body["bid_count"])
	assert.Equal(t, "LASTCALL", body["state"])

	rec = do(t, live, http.MethodGet, "/live/auctions/1/next", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	live.nextErr = liveauction.ErrAuctionNotTracked
	rec = do(t, live, http.MethodGet, "/live/auctions/1/next?item=10", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBidHistory(t *testing.T) {
	live := &fakeLive{}
	rec := do(t, live, http.MethodGet, "/live/auctions/1/history?item=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
	assert.Equal(t, defaultHistoryLimit, live.limit)

	live.history = []*models.Bid{{ID: "b2", State: models.BidHigh}}
	rec = do(t, live, http.MethodGet, "/live/auctions/1/history?item=10&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, live.limit)
	assert.Contains(t, rec.Body.String(), `"b2"`)

	rec = do(t, live, http.MethodGet, "/live/auctions/1/history?item=10&limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeEndpoints(t *testing.T) {
	live := &fakeLive{leader: true}

	rec := do(t, live, http.MethodGet, "/live/leader", "")
	assert.Equal(t, true, decode(t, rec)["leader"])

	rec = do(t, live, http.MethodGet, "/live/auctions", "")
	assert.Equal(t, []any{float64(1), float64(4)}, decode(t, rec)["auctions"])

	rec = do(t, live, http.MethodGet, "/live/auctions/1/current", "")
	assert.Equal(t, float64(10), decode(t, rec)["item_id"])
	rec = do(t, live, http.MethodGet, "/live/auctions/2/current", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	do(t, live, http.MethodPost, "/live/release", "")
	assert.Equal(t, 1, live.releases)

	rec = do(t, live, http.MethodPost, "/live/shutdown", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, live.shutdowns)
	assert.True(t, live.exiting)
}

func TestCORSHeaders(t *testing.T) {
	rec := do(t, &fakeLive{}, http.MethodGet, "/live/leader", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
