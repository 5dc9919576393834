package transport

import (
	"context"
	"encoding/json"
)

// Status is the lifecycle state reported to a subscription's status callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// StatusFunc receives subscription state transitions. err is non-nil for
// CHANNEL_ERROR and TIMED_OUT.
type StatusFunc func(status Status, err error)

// Handler receives the raw payload of one event. Delivery is at-most-once
// and unordered across publishers.
type Handler func(payload json.RawMessage)

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// ClientID identifies the subscriber for self-echo suppression.
	ClientID string
	// SelfEcho delivers the subscriber's own publishes back to it.
	SelfEcho bool
	// AckRequired makes Publish wait for broker acknowledgement where the
	// implementation supports it.
	AckRequired bool
}

// Subscription is a live handle on a channel. The owner that created it must
// Unsubscribe when its scope ends; leaked subscriptions cause duplicate
// event delivery.
type Subscription interface {
	Channel() string
	// On registers a handler for an event name. Register before events
	// are expected; there is no replay.
	On(event string, h Handler)
	Publish(ctx context.Context, event string, payload any) error
	Unsubscribe()
}

// Transport is the publish/subscribe collaborator. Implementations: the
// in-process MemoryHub and the relay-backed WSTransport.
type Transport interface {
	Subscribe(channel string, opts SubscribeOptions, onStatus StatusFunc) (Subscription, error)
}

// Frame is the wire envelope shared by the WebSocket transport and the relay.
type Frame struct {
	Op       string          `json:"op"` // "sub", "unsub", "pub", "evt"
	Channel  string          `json:"channel"`
	Event    string          `json:"event,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

const (
	OpSubscribe   = "sub"
	OpUnsubscribe = "unsub"
	OpPublish     = "pub"
	OpEvent       = "evt"
)
