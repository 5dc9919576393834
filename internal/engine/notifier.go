package engine

import (
	"context"
	"log/slog"
	"time"

	"vestnik/internal/config"
	"vestnik/internal/models"
	"vestnik/internal/transport"
)

// PeerNotifier tells the other side of a conversation about local writes.
// The broadcast implementation publishes on the conversation channel; the
// polling one publishes nothing and leaves peers to their periodic reloads.
// Failures are logged and swallowed: the write already succeeded and peers
// converge through reload either way.
type PeerNotifier interface {
	NewMessage(ctx context.Context, sub transport.Subscription, msg models.Message)
	MessageDeleted(ctx context.Context, sub transport.Subscription, conversationID, messageID, userID string)
	MessagesRead(ctx context.Context, sub transport.Subscription, conversationID, userID string)
}

// NotifierFor maps the configured strategy to an implementation.
func NotifierFor(strategy config.PeerNotifyStrategy, publishTimeout time.Duration, logger *slog.Logger) PeerNotifier {
	if strategy == config.NotifyPolling {
		return PollingNotifier{}
	}
	return &BroadcastNotifier{timeout: publishTimeout, logger: logger, now: time.Now}
}

type BroadcastNotifier struct {
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func (n *BroadcastNotifier) publish(ctx context.Context, sub transport.Subscription, event string, payload any) {
	if sub == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := sub.Publish(pctx, event, payload); err != nil {
		n.logger.Warn("peer broadcast failed", "event", event, "error", err)
	}
}

func (n *BroadcastNotifier) NewMessage(ctx context.Context, sub transport.Subscription, msg models.Message) {
	n.publish(ctx, sub, models.EventNewMessage, models.NewMessageEvent{
		Message:        msg,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Timestamp:      n.now().UnixMilli(),
	})
}

func (n *BroadcastNotifier) MessageDeleted(ctx context.Context, sub transport.Subscription, conversationID, messageID, userID string) {
	n.publish(ctx, sub, models.EventMessageDeleted, models.MessageDeletedEvent{
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         userID,
		Timestamp:      n.now().UnixMilli(),
	})
}

func (n *BroadcastNotifier) MessagesRead(ctx context.Context, sub transport.Subscription, conversationID, userID string) {
	n.publish(ctx, sub, models.EventMessagesRead, models.MessagesReadEvent{
		ConversationID: conversationID,
		UserID:         userID,
		Timestamp:      n.now().UnixMilli(),
	})
}

// PollingNotifier is the quiet strategy for deployments without a broadcast
// relay. Peers see writes on their next reload.
type PollingNotifier struct{}

func (PollingNotifier) NewMessage(context.Context, transport.Subscription, models.Message) {}

func (PollingNotifier) MessageDeleted(context.Context, transport.Subscription, string, string, string) {
}

func (PollingNotifier) MessagesRead(context.Context, transport.Subscription, string, string) {}
