package gateway

import (
	"sync"

	"github.com/rs/zerolog/log"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

// sendBuffer bounds the per-connection outbound queue. A client that falls
// this far behind is disconnected rather than reordered or blocked on.
const sendBuffer = 64

// Hub routes outbound events to the websocket connection serving each
// session. It implements contract.Sender; events for one session are
// delivered in the order Send was called.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*client
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*client)}
}

func (h *Hub) register(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.conns[sessionID]; ok {
		prev.shutdown()
	}
	h.conns[sessionID] = c
}

func (h *Hub) unregister(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[sessionID] == c {
		delete(h.conns, sessionID)
	}
}

// Connected reports whether a live connection serves the session.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[sessionID]
	return ok
}

// Send queues one event for the session's connection. Events for sessions
// with no live connection are dropped; the run store keeps the durable
// record.
func (h *Hub) Send(sessionID string, ev contractx.Event) {
	h.mu.RLock()
	c := h.conns[sessionID]
	h.mu.RUnlock()
	if c == nil {
		log.Debug().Str("session_id", sessionID).Str("type", string(ev.Type)).Msg("dropping event for disconnected session")
		return
	}
	if !c.enqueue(ev) {
		log.Warn().Str("session_id", sessionID).Msg("client too slow, closing connection")
		c.shutdown()
	}
}
