package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vestnik/internal/connmon"
)

// WSTransport implements Transport over a relay WebSocket connection. One
// connection multiplexes every channel the client subscribes to. On channel
// errors it reconnects with exponential backoff and re-subscribes; after an
// intentional Close it reports CLOSED and stays down.
type WSTransport struct {
	url          string
	backoff      *connmon.Backoff
	logger       *slog.Logger
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*wsSub
	closed bool

	writeMu sync.Mutex
}

func NewWSTransport(ctx context.Context, url string, backoff *connmon.Backoff, writeTimeout time.Duration, logger *slog.Logger) (*WSTransport, error) {
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &WSTransport{
		url:          url,
		backoff:      backoff,
		logger:       logger,
		writeTimeout: writeTimeout,
		ctx:          tctx,
		cancel:       cancel,
		subs:         make(map[string]*wsSub),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	t.conn = conn

	go t.readLoop()
	return t, nil
}

func (t *WSTransport) Subscribe(channel string, opts SubscribeOptions, onStatus StatusFunc) (Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel name is required")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport is closed")
	}
	if _, exists := t.subs[channel]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %s", channel)
	}
	sub := &wsSub{
		transport: t,
		channel:   channel,
		opts:      opts,
		onStatus:  onStatus,
		handlers:  make(map[string][]Handler),
	}
	t.subs[channel] = sub
	t.mu.Unlock()

	if err := t.writeFrame(Frame{Op: OpSubscribe, Channel: channel}); err != nil {
		t.mu.Lock()
		delete(t.subs, channel)
		t.mu.Unlock()
		return nil, err
	}

	sub.notify(StatusSubscribed, nil)
	return sub, nil
}

// Close tears the connection down intentionally. Every live subscription
// reports CLOSED and no reconnect is attempted.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	subs := make([]*wsSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[string]*wsSub)
	t.mu.Unlock()

	t.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	for _, s := range subs {
		s.notify(StatusClosed, nil)
	}
	return err
}

func (t *WSTransport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.logger.Warn("relay connection lost", "error", err)
			t.notifyAll(StatusChannelError, err)
			if !t.reconnect() {
				return
			}
			continue
		}

		if frame.Op != OpEvent {
			continue
		}

		t.mu.Lock()
		sub := t.subs[frame.Channel]
		t.mu.Unlock()
		if sub == nil {
			continue
		}
		if frame.SenderID != "" && frame.SenderID == sub.opts.ClientID && !sub.opts.SelfEcho {
			continue
		}
		sub.deliver(frame.Event, frame.Payload)
	}
}

// reconnect redials with backoff and re-subscribes all channels. Returns
// false when the transport was closed while waiting.
func (t *WSTransport) reconnect() bool {
	for {
		delay := t.backoff.Next()
		t.logger.Info("reconnecting to relay", "delay", delay, "attempt", t.backoff.Attempt())

		select {
		case <-t.ctx.Done():
			return false
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(t.ctx, t.writeTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, nil)
		cancel()
		if err != nil {
			t.notifyAll(StatusTimedOut, err)
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return false
		}
		t.conn = conn
		channels := make([]string, 0, len(t.subs))
		for ch := range t.subs {
			channels = append(channels, ch)
		}
		t.mu.Unlock()

		ok := true
		for _, ch := range channels {
			if err := t.writeFrame(Frame{Op: OpSubscribe, Channel: ch}); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		t.backoff.Reset()
		t.notifyAll(StatusSubscribed, nil)
		return true
	}
}

func (t *WSTransport) notifyAll(status Status, err error) {
	t.mu.Lock()
	subs := make([]*wsSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		s.notify(status, err)
	}
}

func (t *WSTransport) writeFrame(frame Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return conn.WriteJSON(frame)
}

type wsSub struct {
	transport *WSTransport
	channel   string
	opts      SubscribeOptions
	onStatus  StatusFunc

	mu       sync.RWMutex
	closed   bool
	handlers map[string][]Handler
}

func (s *wsSub) Channel() string {
	return s.channel
}

func (s *wsSub) On(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *wsSub) Publish(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return fmt.Errorf("publish on closed subscription for %s", s.channel)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.transport.writeFrame(Frame{
		Op:       OpPublish,
		Channel:  s.channel,
		Event:    event,
		SenderID: s.opts.ClientID,
		Payload:  data,
	})
}

func (s *wsSub) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.transport.mu.Lock()
	delete(s.transport.subs, s.channel)
	s.transport.mu.Unlock()

	_ = s.transport.writeFrame(Frame{Op: OpUnsubscribe, Channel: s.channel})
	s.notify(StatusClosed, nil)
}

func (s *wsSub) deliver(event string, payload json.RawMessage) {
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

func (s *wsSub) notify(status Status, err error) {
	if s.onStatus != nil {
		s.onStatus(status, err)
	}
}
