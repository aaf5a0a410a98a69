package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Manager fans high bid and auction ended events out to the clients
// watching each auction
type Manager struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu          sync.RWMutex
	subscribers map[int64]map[*Client]struct{}
}

// Client is one websocket connection watching an auction
type Client struct {
	ID        string
	AuctionID int64
	Conn      *websocket.Conn
	Send      chan []byte

	closeOnce sync.Once
}

// BroadcastMessage is an encoded event for the clients of an auction
type BroadcastMessage struct {
	AuctionID int64
	Payload   []byte
}

// NewManager creates a manager. Run must be started before clients
// register.
func NewManager() *Manager {
	return &Manager{
		register:    make(chan *Client),
		unregister:  make(chan *Client, sendBuffer),
		broadcast:   make(chan *BroadcastMessage, sendBuffer),
		done:        make(chan struct{}),
		subscribers: make(map[int64]map[*Client]struct{}),
	}
}

// Run owns the subscriber sets until ctx is done, then closes every
// connection
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case client := <-m.register:
			m.registerClient(client)
		case client := <-m.unregister:
			m.unregisterClient(client)
		case message := <-m.broadcast:
			m.broadcastToAuction(message.AuctionID, message.Payload)
		}
	}
}

// RegisterClient adds a client and starts its write pump
func (m *Manager) RegisterClient(client *Client) {
	select {
	case m.register <- client:
	case <-m.done:
		_ = client.Conn.Close()
	}
}

// UnregisterClient removes a client and closes its connection
func (m *Manager) UnregisterClient(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
		client.close()
	}
}

// Broadcast queues payload for every client watching the auction. When
// the queue is full the message is dropped; clients recover with the
// next long poll.
func (m *Manager) Broadcast(auctionID int64, payload []byte) {
	select {
	case m.broadcast <- &BroadcastMessage{AuctionID: auctionID, Payload: payload}:
	default:
		log.WithField("auction_id", auctionID).Warn("Broadcast queue full, dropping update")
	}
}

func (m *Manager) registerClient(client *Client) {
	m.mu.Lock()
	set, ok := m.subscribers[client.AuctionID]
	if !ok {
		set = make(map[*Client]struct{})
		m.subscribers[client.AuctionID] = set
	}
	set[client] = struct{}{}
	m.mu.Unlock()

	log.WithFields(log.Fields{"client_id": client.ID, "auction_id": client.AuctionID}).Debug("Client subscribed")
	go client.writePump()
}

func (m *Manager) unregisterClient(client *Client) {
	m.mu.Lock()
	if set, ok := m.subscribers[client.AuctionID]; ok {
		if _, member := set[client]; !member {
			m.mu.Unlock()
			return
		}
		delete(set, client)
		if len(set) == 0 {
			delete(m.subscribers, client.AuctionID)
		}
	}
	m.mu.Unlock()

	client.close()
	log.WithFields(log.Fields{"client_id": client.ID, "auction_id": client.AuctionID}).Debug("Client unsubscribed")
}

// broadcastToAuction runs on the Run goroutine, so slow clients are
// dropped in place rather than through the unregister channel
func (m *Manager) broadcastToAuction(auctionID int64, payload []byte) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.subscribers[auctionID]))
	for c := range m.subscribers[auctionID] {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		select {
		case c.Send <- payload:
			sent++
		default:
			log.WithField("client_id", c.ID).Warn("Client too slow, disconnecting")
			m.unregisterClient(c)
		}
	}
	log.WithFields(log.Fields{"auction_id": auctionID, "clients": sent}).Debug("Broadcast update")
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	var clients []*Client
	for _, set := range m.subscribers {
		for c := range set {
			clients = append(clients, c)
		}
	}
	m.subscribers = make(map[int64]map[*Client]struct{})
	m.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// SubscriberCount returns the number of clients watching an auction
func (m *Manager) SubscriberCount(auctionID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[auctionID])
}

// close ends the write pump, which closes the connection
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive and unregisters the client when
// the peer goes away. Clients only send keepalives.
func (c *Client) readPump(m *Manager) {
	defer m.UnregisterClient(c)

	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("client_id", c.ID).Warn("WebSocket read failed")
			}
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(message, &msg); err == nil {
			log.WithFields(log.Fields{"client_id": c.ID, "message": msg}).Trace("Client message")
		}
	}
}
