package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"vestnik/internal/models"
	"vestnik/internal/store"
	"vestnik/internal/transport"
)

type Config struct {
	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration
	TypingDebounce    time.Duration
	TypingTTL         time.Duration
	WriteTimeout      time.Duration
}

// Tracker owns the session's presence map and the typing list for the active
// conversation. Present state is best-effort: broadcast events update it
// immediately, heartbeats keep the local user fresh, and a periodic
// reconciliation fetch overwrites the whole map to bound drift from lost
// events.
//
// UI components subscribe through OnChange instead of keeping their own
// copies of the maps.
type Tracker struct {
	cfg       Config
	store     store.RemoteStore
	localUser models.User
	logger    *slog.Logger
	now       func() time.Time

	sub transport.Subscription

	mu         sync.RWMutex
	foreground bool
	users      map[string]models.PresenceUser
	observers  []func()
	closed     bool

	typing     geche.Geche[string, models.TypingUser]
	typingMu   sync.Mutex
	activeConv string
	debounce   map[string]*time.Timer
}

// New subscribes the tracker to the presence channel. Close releases the
// subscription.
func New(ctx context.Context, cfg Config, st store.RemoteStore, tr transport.Transport, localUser models.User, logger *slog.Logger) (*Tracker, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 120 * time.Second
	}
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = 3 * time.Second
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	t := &Tracker{
		cfg:       cfg,
		store:     st,
		localUser: localUser,
		logger:    logger,
		now:       time.Now,
		users:     make(map[string]models.PresenceUser),
		typing:    geche.NewMapTTLCache[string, models.TypingUser](ctx, cfg.TypingTTL, time.Second),
		debounce:  make(map[string]*time.Timer),
	}

	sub, err := tr.Subscribe(models.PresenceChannel, transport.SubscribeOptions{ClientID: localUser.ID}, nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe presence channel: %w", err)
	}
	sub.On(models.EventPresenceChange, func(payload json.RawMessage) {
		var evt models.PresenceChangeEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.logger.Warn("malformed presence event", "error", err)
			return
		}
		t.applyEvent(evt)
	})
	t.sub = sub
	return t, nil
}

func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.sub.Unsubscribe()
}

// Run drives the heartbeat and reconciliation loops until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	reconcile := time.NewTicker(t.cfg.ReconcileInterval)
	defer reconcile.Stop()

	t.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			t.beat(ctx)
		case <-reconcile.C:
			t.Reconcile(ctx)
		}
	}
}

func (t *Tracker) beat(ctx context.Context) {
	t.mu.RLock()
	foreground := t.foreground
	t.mu.RUnlock()
	if !foreground {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := t.store.UpdatePresence(wctx, t.localUser.ID, true, t.now()); err != nil {
		// Heartbeats are fire-and-forget; the next tick retries.
		t.logger.Warn("heartbeat write failed", "error", err)
	}
}

// SetForeground records a foreground/background transition: it writes the
// explicit online flag and broadcasts the change. Both are best-effort.
func (t *Tracker) SetForeground(ctx context.Context, foreground bool) {
	t.mu.Lock()
	t.foreground = foreground
	t.mu.Unlock()

	now := t.now()
	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := t.store.UpdatePresence(wctx, t.localUser.ID, foreground, now); err != nil {
		t.logger.Warn("presence write failed", "foreground", foreground, "error", err)
	}

	status := models.PresenceOnline
	if !foreground {
		status = models.PresenceOffline
	}
	evt := models.PresenceChangeEvent{
		UserID:    t.localUser.ID,
		Username:  t.localUser.Username,
		Status:    status,
		Timestamp: now.UnixMilli(),
	}
	if err := t.sub.Publish(wctx, models.EventPresenceChange, evt); err != nil {
		t.logger.Warn("presence broadcast failed", "error", err)
	}

	t.applyEvent(evt)
}

func (t *Tracker) applyEvent(evt models.PresenceChangeEvent) {
	t.mu.Lock()
	t.users[evt.UserID] = models.PresenceUser{
		UserID:   evt.UserID,
		Username: evt.Username,
		Online:   evt.Status == models.PresenceOnline,
		LastSeen: time.UnixMilli(evt.Timestamp),
	}
	observers := append([]func(){}, t.observers...)
	t.mu.Unlock()
	for _, f := range observers {
		f()
	}
}

// Reconcile overwrites the event-derived map with the store's authoritative
// view.
func (t *Tracker) Reconcile(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	users, err := t.store.FetchPresence(fctx)
	if err != nil {
		t.logger.Warn("presence reconcile failed", "error", err)
		return
	}

	t.mu.Lock()
	t.users = make(map[string]models.PresenceUser, len(users))
	for _, u := range users {
		t.users[u.UserID] = u
	}
	observers := append([]func(){}, t.observers...)
	t.mu.Unlock()
	for _, f := range observers {
		f()
	}
}

// OnChange registers an observer called after any presence update.
func (t *Tracker) OnChange(f func()) {
	t.mu.Lock()
	t.observers = append(t.observers, f)
	t.mu.Unlock()
}

// Lookup returns the presence entry for a user.
func (t *Tracker) Lookup(userID string) (models.PresenceUser, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[userID]
	return u, ok
}

// Snapshot returns the full presence map.
func (t *Tracker) Snapshot() []models.PresenceUser {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := make([]models.PresenceUser, 0, len(t.users))
	for _, u := range t.users {
		users = append(users, u)
	}
	return users
}
