package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/streak-league/internal/domain"
	"github.com/streak-league/internal/metrics"
)

// Message types
const (
	MessageTypeLeagueUpdate = "league_update"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string        `json:"type"`
	League    domain.League `json:"league,omitempty"`
	Data      interface{}   `json:"data,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// LeagueUpdate carries fresh standings of one league
type LeagueUpdate struct {
	League    domain.League           `json:"league"`
	Standings []domain.LeagueStanding `json:"standings"`
}

// Stats describes the hub's connections
type Stats struct {
	TotalConnections int                   `json:"total_connections"`
	Subscribers      map[domain.League]int `json:"subscribers"`
}

// Hub maintains the set of active clients and broadcasts league standings
type Hub struct {
	// Subscribed clients by league
	clients map[domain.League]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	league domain.League
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[domain.League]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			metrics.SetWebsocketClients(len(h.allClients))
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for league, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, league)
						}
					}
				}
				close(client.send)
				metrics.SetWebsocketClients(len(h.allClients))
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.allClients[req.client]; ok {
				if _, ok := h.clients[req.league]; !ok {
					h.clients[req.league] = make(map[*Client]bool)
				}
				h.clients[req.league][req.client] = true
				// Acked from the loop so the client only hears back once updates will reach it
				req.client.sendAck(MessageTypeSubscribed, req.league)
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "league", req.league)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.league]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.league)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "league", req.league)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to the league's subscribers
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	for client := range h.clients[message.League] {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// BroadcastLeagueUpdate sends standings to every subscriber of league
func (h *Hub) BroadcastLeagueUpdate(league domain.League, standings []domain.LeagueStanding) {
	message := &Message{
		Type:   MessageTypeLeagueUpdate,
		League: league,
		Data: LeagueUpdate{
			League:    league,
			Standings: standings,
		},
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "league", league)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a league subscription
func (h *Hub) Subscribe(client *Client, league domain.League) {
	h.subscribe <- &subscriptionRequest{client: client, league: league}
}

// Unsubscribe removes a client from a league subscription
func (h *Hub) Unsubscribe(client *Client, league domain.League) {
	h.unsubscribe <- &subscriptionRequest{client: client, league: league}
}

// GetSubscriberCount returns the number of subscribers for a league
func (h *Hub) GetSubscriberCount(league domain.League) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[league])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// Stats returns connection and subscription counts
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subscribers := make(map[domain.League]int, len(domain.Leagues))
	for _, league := range domain.Leagues {
		subscribers[league] = len(h.clients[league])
	}
	return Stats{
		TotalConnections: len(h.allClients),
		Subscribers:      subscribers,
	}
}
