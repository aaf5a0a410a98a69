package websocket

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades auction watch requests to websocket connections
type Handler struct {
	manager *Manager
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{
		manager: manager,
	}
}

// RegisterRoutes adds the websocket endpoints to router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/auctions/{id:[0-9]+}", h.HandleWebSocket)
	router.HandleFunc("/ws/auctions/{id:[0-9]+}/stats", h.GetStats).Methods(http.MethodGet)
}

type connectedMessage struct {
	Type      string `json:"type"`
	AuctionID int64  `json:"auction_id"`
	ClientID  string `json:"client_id"`
}

// HandleWebSocket upgrades the connection and subscribes it to the
// auction's updates
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	auctionID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || auctionID <= 0 {
		http.Error(w, "auction id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:        uuid.New().String(),
		AuctionID: auctionID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
	}

	// queued before registration so it is the first frame
	welcome, _ := json.Marshal(connectedMessage{Type: "connected", AuctionID: auctionID, ClientID: client.ID})
	client.Send <- welcome

	h.manager.RegisterClient(client)
	go client.readPump(h.manager)
}

// GetStats returns the number of clients watching an auction
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	auctionID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid auction id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{
		"auction_id":  auctionID,
		"subscribers": int64(h.manager.SubscriberCount(auctionID)),
	})
}
