package websocket

import (
	"fmt"
	"sync"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// Hub tracks connected signaling clients and which call each one is part of.
// Signals are relayed to the other participants of the same call id.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	mu    sync.RWMutex
	calls map[string]map[*Client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		calls:      make(map[string]map[*Client]bool),
	}
}

// Run starts the hub loop.
func (h *Hub) Run() {
	go h.run()
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			log.WithCtx(client.Context()).Debug("signaling client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.leaveAllCalls(client)
				client.Close()
				log.WithCtx(client.Context()).Debug("signaling client unregistered")
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// JoinCall adds a client to a call's participant set.
func (h *Hub) JoinCall(callID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls[callID] == nil {
		h.calls[callID] = make(map[*Client]bool)
	}
	h.calls[callID][client] = true
}

// LeaveCall removes a client from a call's participant set.
func (h *Hub) LeaveCall(callID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if participants, ok := h.calls[callID]; ok {
		delete(participants, client)
		if len(participants) == 0 {
			delete(h.calls, callID)
		}
	}
}

func (h *Hub) leaveAllCalls(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for callID, participants := range h.calls {
		delete(participants, client)
		if len(participants) == 0 {
			delete(h.calls, callID)
		}
	}
}

// Relay forwards a signal to every other participant of its call.
func (h *Hub) Relay(from *Client, sig domain.Signal) error {
	h.mu.RLock()
	participants := make([]*Client, 0, len(h.calls[sig.CallID]))
	for client := range h.calls[sig.CallID] {
		if client != from && !client.IsClosed() {
			participants = append(participants, client)
		}
	}
	h.mu.RUnlock()

	if len(participants) == 0 {
		return fmt.Errorf("call %s has no other participants", sig.CallID)
	}
	for _, client := range participants {
		if err := client.SendSignal(sig); err != nil {
			return err
		}
	}
	return nil
}

// SendToCall delivers a signal to every participant of a call.
func (h *Hub) SendToCall(callID string, sig domain.Signal) error {
	h.mu.RLock()
	participants := make([]*Client, 0, len(h.calls[callID]))
	for client := range h.calls[callID] {
		if !client.IsClosed() {
			participants = append(participants, client)
		}
	}
	h.mu.RUnlock()

	if len(participants) == 0 {
		return fmt.Errorf("call %s has no participants", callID)
	}
	for _, client := range participants {
		if err := client.SendSignal(sig); err != nil {
			return err
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return len(h.clients)
}
