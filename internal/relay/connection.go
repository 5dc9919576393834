package relay

import (
	"context"
	"errors"
	"sync"

	"vestnik/internal/transport"
)

type wsConn interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Connection pumps frames between one WebSocket client and the hub.
type Connection struct {
	ws      wsConn
	hub     *Hub
	send    chan transport.Frame
	errorCh chan error
}

func NewConnection(hub *Hub, ws wsConn) *Connection {
	return &Connection{
		ws:      ws,
		hub:     hub,
		send:    make(chan transport.Frame, 100),
		errorCh: make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.errorCh)
		c.hub.Drop(c)
	}()

	fromClient := make(chan transport.Frame)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.pumpFrames(ctx, fromClient)
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.mainLoop(ctx, fromClient)
		cancel()
	}()

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) pumpFrames(ctx context.Context, fromClient chan<- transport.Frame) error {
	for {
		var frame transport.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context, fromClient <-chan transport.Frame) error {
	for {
		select {
		case frame := <-fromClient:
			c.processFrame(frame)
		case frame := <-c.send:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processFrame(frame transport.Frame) {
	switch frame.Op {
	case transport.OpSubscribe:
		c.hub.Subscribe(c, frame.Channel)
	case transport.OpUnsubscribe:
		c.hub.Unsubscribe(c, frame.Channel)
	case transport.OpPublish:
		c.hub.Broadcast(frame)
	}
}
