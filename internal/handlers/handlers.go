package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/liveauction"
	"github.com/vmware/weathervane-sub001/internal/models"
)

// LiveAuction is the node API served over HTTP
type LiveAuction interface {
	NodeID() string
	IsLeader() bool
	IsExiting() bool
	OwnedAuctions() []int64
	PostNewBid(ctx context.Context, req models.BidRequest) (*models.BidResponse, error)
	NextBid(ctx context.Context, auctionID, itemID int64, lastBidCount int) (*models.HighBid, error)
	CurrentItem(auctionID int64) (int64, error)
	BidHistory(ctx context.Context, auctionID, itemID int64, limit int) ([]*models.Bid, error)
	PrepareForShutdown(ctx context.Context)
	ReleaseNextBid()
}

const defaultHistoryLimit = 50

// Handler contains HTTP request handlers
type Handler struct {
	live LiveAuction
}

// NewHandler creates a new HTTP handler
func NewHandler(live LiveAuction) *Handler {
	return &Handler{
		live: live,
	}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	live := router.PathPrefix("/live").Subrouter()
	live.HandleFunc("/leader", h.GetLeader).Methods(http.MethodGet)
	live.HandleFunc("/shutdown", h.PrepareForShutdown).Methods(http.MethodPost)
	live.HandleFunc("/release", h.ReleaseNextBid).Methods(http.MethodPost)
	live.HandleFunc("/auctions", h.GetOwnedAuctions).Methods(http.MethodGet)
	live.HandleFunc("/auctions/{id:[0-9]+}/bids", h.PostBid).Methods(http.MethodPost)
	live.HandleFunc("/auctions/{id:[0-9]+}/current", h.GetCurrentItem).Methods(http.MethodGet)
	live.HandleFunc("/auctions/{id:[0-9]+}/next", h.GetNextBid).Methods(http.MethodGet)
	live.HandleFunc("/auctions/{id:[0-9]+}/history", h.GetBidHistory).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck reports 503 once the node is draining
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if h.live.IsExiting() {
		status, code = "exiting", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{
		"status": status,
		"node":   h.live.NodeID(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// GetLeader reports whether this node is the group leader
func (h *Handler) GetLeader(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node":   h.live.NodeID(),
		"leader": h.live.IsLeader(),
	})
}

// GetOwnedAuctions lists the auctions this node drives
func (h *Handler) GetOwnedAuctions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node":     h.live.NodeID(),
		"auctions": h.live.OwnedAuctions(),
	})
}

// PrepareForShutdown drains the node before it is stopped
func (h *Handler) PrepareForShutdown(w http.ResponseWriter, r *http.Request) {
	h.live.PrepareForShutdown(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{"status": "exiting"})
}

// ReleaseNextBid completes all pending long polls
func (h *Handler) ReleaseNextBid(w http.ResponseWriter, r *http.Request) {
	h.live.ReleaseNextBid()
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// PostBid accepts a bid for asynchronous processing
func (h *Handler) PostBid(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AuctionID != 0 && req.AuctionID != auctionID {
		respondError(w, http.StatusBadRequest, "Auction ID does not match path")
		return
	}
	req.AuctionID = auctionID

	resp, err := h.live.PostNewBid(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// GetCurrentItem returns the item open for bidding
func (h *Handler) GetCurrentItem(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathID(w, r)
	if !ok {
		return
	}
	itemID, err := h.live.CurrentItem(auctionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"auction_id": auctionID, "item_id": itemID})
}

// GetNextBid long-polls for the item's next high bid
func (h *Handler) GetNextBid(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathID(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(r.URL.Query().Get("item"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "item query parameter is required")
		return
	}
	count, err := queryInt(r, "count", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "count must be a number")
		return
	}

	hb, err := h.live.NextBid(r.Context(), auctionID, itemID, count)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hb)
}

// GetBidHistory returns the logged bids of an item, newest first
func (h *Handler) GetBidHistory(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathID(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(r.URL.Query().Get("item"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "item query parameter is required")
		return
	}
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		respondError(w, http.StatusBadRequest, "limit must be a positive number")
		return
	}

	bids, err := h.live.BidHistory(r.Context(), auctionID, itemID, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if bids == nil {
		bids = []*models.Bid{}
	}
	respondJSON(w, http.StatusOK, bids)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Auction ID is required")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, liveauction.ErrInvalidBid):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, liveauction.ErrAuctionNotTracked), errors.Is(err, liveauction.ErrNoHighBid):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, liveauction.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.WithError(err).Error("Request failed")
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// loggingMiddleware logs all HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.WithFields(log.Fields{
			"method":   r.Method,
			"uri":      r.RequestURI,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
