package relay

import (
	"log/slog"
	"sync"

	"vestnik/internal/transport"
)

// Hub routes published frames to every connection subscribed to the frame's
// channel. The relay does not filter self-echo; clients do that against the
// frame's senderId.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Connection]bool
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Connection]bool),
		logger:   logger,
	}
}

func (h *Hub) Subscribe(c *Connection, channel string) {
	if channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Connection]bool)
	}
	h.channels[channel][c] = true
}

func (h *Hub) Unsubscribe(c *Connection, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, channel)
}

// Drop removes a connection from every channel it joined.
func (h *Hub) Drop(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.channels {
		h.removeLocked(c, channel)
	}
}

func (h *Hub) removeLocked(c *Connection, channel string) {
	if conns, ok := h.channels[channel]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Broadcast fans a published frame out as an event frame. Delivery is
// at-most-once: slow consumers get dropped frames, not backpressure.
func (h *Hub) Broadcast(frame transport.Frame) {
	out := transport.Frame{
		Op:       transport.OpEvent,
		Channel:  frame.Channel,
		Event:    frame.Event,
		SenderID: frame.SenderID,
		Payload:  frame.Payload,
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.channels[frame.Channel]))
	for c := range h.channels[frame.Channel] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.send <- out:
		default:
			h.logger.Warn("dropping frame for slow consumer", "channel", frame.Channel, "event", frame.Event)
		}
	}
}
