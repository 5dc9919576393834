package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
)

// WebPush delivers notifications through the Web Push protocol. Each user may
// register several browser subscriptions (one per device).
type WebPush struct {
	publicKey  string
	privateKey string
	subscriber string
	logger     *slog.Logger

	mu   sync.RWMutex
	subs map[string][]webpush.Subscription
}

func NewWebPush(publicKey, privateKey, subscriber string, logger *slog.Logger) *WebPush {
	return &WebPush{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		logger:     logger,
		subs:       make(map[string][]webpush.Subscription),
	}
}

// Register adds a device subscription for a user.
func (w *WebPush) Register(userID string, sub webpush.Subscription) {
	w.mu.Lock()
	w.subs[userID] = append(w.subs[userID], sub)
	w.mu.Unlock()
}

// Unregister removes a device subscription by its endpoint.
func (w *WebPush) Unregister(userID, endpoint string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.subs[userID]
	for i, s := range subs {
		if s.Endpoint == endpoint {
			w.subs[userID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(w.subs[userID]) == 0 {
		delete(w.subs, userID)
	}
}

func (w *WebPush) Notify(ctx context.Context, event Event) error {
	w.mu.RLock()
	subs := append([]webpush.Subscription(nil), w.subs[event.UserID]...)
	w.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for i := range subs {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &subs[i], &webpush.Options{
			Subscriber:      w.subscriber,
			VAPIDPublicKey:  w.publicKey,
			VAPIDPrivateKey: w.privateKey,
			TTL:             60,
		})
		if err != nil {
			w.logger.Warn("push delivery failed", "user_id", event.UserID, "error", err)
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
	}
	return lastErr
}
