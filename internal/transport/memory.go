package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryHub is the in-process Transport. All subscribers run in the same
// process; delivery happens synchronously on the publisher's goroutine,
// at-most-once, with no ordering guarantee across publishers.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	logger *slog.Logger
}

func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	return &MemoryHub{
		subs:   make(map[string][]*memorySub),
		logger: logger,
	}
}

func (h *MemoryHub) Subscribe(channel string, opts SubscribeOptions, onStatus StatusFunc) (Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	sub := &memorySub{
		hub:      h,
		channel:  channel,
		opts:     opts,
		onStatus: onStatus,
		handlers: make(map[string][]Handler),
	}

	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], sub)
	h.mu.Unlock()

	if onStatus != nil {
		onStatus(StatusSubscribed, nil)
	}
	return sub, nil
}

func (h *MemoryHub) publish(ctx context.Context, from *memorySub, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	h.mu.RLock()
	targets := append([]*memorySub(nil), h.subs[from.channel]...)
	h.mu.RUnlock()

	for _, sub := range targets {
		if sub == from && !from.opts.SelfEcho {
			continue
		}
		sub.deliver(event, data)
	}
	return nil
}

func (h *MemoryHub) unsubscribe(sub *memorySub) {
	h.mu.Lock()
	list := h.subs[sub.channel]
	for i, s := range list {
		if s == sub {
			h.subs[sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.channel]) == 0 {
		delete(h.subs, sub.channel)
	}
	h.mu.Unlock()
}

type memorySub struct {
	hub      *MemoryHub
	channel  string
	opts     SubscribeOptions
	onStatus StatusFunc

	mu       sync.RWMutex
	closed   bool
	handlers map[string][]Handler
}

func (s *memorySub) Channel() string {
	return s.channel
}

func (s *memorySub) On(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *memorySub) Publish(ctx context.Context, event string, payload any) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("publish on closed subscription for %s", s.channel)
	}
	return s.hub.publish(ctx, s, event, payload)
}

func (s *memorySub) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.unsubscribe(s)
	if s.onStatus != nil {
		s.onStatus(StatusClosed, nil)
	}
}

func (s *memorySub) deliver(event string, payload json.RawMessage) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	handlers := append([]Handler(nil), s.handlers[event]...)
	s.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
