package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"vestnik/internal/transport"
)

type mockWS struct {
	readCh      chan transport.Frame
	writeCh     chan transport.Frame
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan transport.Frame, 10),
		writeCh: make(chan transport.Frame, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	if frame, ok := v.(transport.Frame); ok {
		m.writeCh <- frame
	}
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case frame, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*transport.Frame); ok {
			*ptr = frame
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelay_PublishReachesSubscribers(t *testing.T) {
	hub := NewHub(discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsA := newMockWS()
	wsB := newMockWS()
	connA := NewConnection(hub, wsA)
	connB := NewConnection(hub, wsB)

	go func() { _ = connA.Handle(ctx) }()
	go func() { _ = connB.Handle(ctx) }()

	wsA.readCh <- transport.Frame{Op: transport.OpSubscribe, Channel: "conversation:1"}
	wsB.readCh <- transport.Frame{Op: transport.OpSubscribe, Channel: "conversation:1"}

	// Both subscribed before the publish lands.
	time.Sleep(20 * time.Millisecond)

	payload, _ := json.Marshal(map[string]string{"content": "hi"})
	wsA.readCh <- transport.Frame{
		Op:       transport.OpPublish,
		Channel:  "conversation:1",
		Event:    "new_message",
		SenderID: "a",
		Payload:  payload,
	}

	select {
	case frame := <-wsB.writeCh:
		if frame.Op != transport.OpEvent {
			t.Errorf("expected evt op, got %s", frame.Op)
		}
		if frame.Event != "new_message" || frame.SenderID != "a" {
			t.Errorf("unexpected frame: %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast on B")
	}

	// The relay echoes to the sender's connection too; self-filtering is
	// client-side.
	select {
	case frame := <-wsA.writeCh:
		if frame.SenderID != "a" {
			t.Errorf("unexpected sender: %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for echo on A")
	}
}

func TestRelay_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsA := newMockWS()
	wsB := newMockWS()
	go func() { _ = NewConnection(hub, wsA).Handle(ctx) }()
	go func() { _ = NewConnection(hub, wsB).Handle(ctx) }()

	wsB.readCh <- transport.Frame{Op: transport.OpSubscribe, Channel: "c"}
	time.Sleep(20 * time.Millisecond)
	wsB.readCh <- transport.Frame{Op: transport.OpUnsubscribe, Channel: "c"}
	time.Sleep(20 * time.Millisecond)

	wsA.readCh <- transport.Frame{Op: transport.OpPublish, Channel: "c", Event: "evt"}

	select {
	case frame := <-wsB.writeCh:
		t.Errorf("unsubscribed connection received frame: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_DropOnDisconnect(t *testing.T) {
	hub := NewHub(discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws := newMockWS()
	conn := NewConnection(hub, ws)
	done := make(chan error, 1)
	go func() { done <- conn.Handle(ctx) }()

	ws.readCh <- transport.Frame{Op: transport.OpSubscribe, Channel: "c"}
	time.Sleep(20 * time.Millisecond)

	_ = ws.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after close")
	}

	hub.mu.RLock()
	_, present := hub.channels["c"]
	hub.mu.RUnlock()
	if present {
		t.Error("closed connection still subscribed")
	}
}
