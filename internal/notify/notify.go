package notify

import "context"

// Event is one push notification to a recipient. Delivery is fire-and-forget
// everywhere in the engine: a failed notification never rolls back the write
// that triggered it.
type Event struct {
	UserID         string `json:"userId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop discards notifications. Used when no push credentials are configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
