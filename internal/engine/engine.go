package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"vestnik/internal/blob"
	"vestnik/internal/cache"
	"vestnik/internal/models"
	"vestnik/internal/notify"
	"vestnik/internal/presence"
	"vestnik/internal/store"
	"vestnik/internal/transport"
)

type Config struct {
	FetchTimeout   time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration
	UploadTimeout  time.Duration

	// MessageLimit caps how many messages one conversation load pulls.
	MessageLimit int

	AutoMarkAsRead bool

	ConversationCacheTTL time.Duration
	MessageCacheTTL      time.Duration
	CacheMaxEntries      int

	// RecentIDTTL bounds the dedup guard for confirmed ids the engine
	// already merged, so a late broadcast of an own message is dropped.
	RecentIDTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 3 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 60 * time.Second
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = 50
	}
	if c.ConversationCacheTTL <= 0 {
		c.ConversationCacheTTL = 5 * time.Minute
	}
	if c.MessageCacheTTL <= 0 {
		c.MessageCacheTTL = 2 * time.Minute
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 50
	}
	if c.RecentIDTTL <= 0 {
		c.RecentIDTTL = 2 * time.Minute
	}
}

// Deps are the engine's collaborators. Store and Transport are required;
// the rest default to inert implementations.
type Deps struct {
	Store     store.RemoteStore
	Transport transport.Transport
	Blobs     blob.Store
	Peers     PeerNotifier
	Notifier  notify.Notifier
	Typing    *presence.Tracker
}

// Engine is the per-session synchronization core. It owns the local replica
// of the conversation list and the open conversation's messages, applies
// optimistic writes against it, and merges peer broadcasts into it. All
// state behind mu; remote calls never hold the lock.
type Engine struct {
	cfg       Config
	store     store.RemoteStore
	transport transport.Transport
	blobs     blob.Store
	peers     PeerNotifier
	notifier  notify.Notifier
	typing    *presence.Tracker
	localUser models.User
	logger    *slog.Logger
	now       func() time.Time

	convCache *cache.Cache[[]models.Conversation]
	msgCache  *cache.Cache[[]models.Message]
	// recentIDs remembers confirmed ids already merged locally, keyed by
	// message id. Transports deliver at most once but a reconnect replay
	// or a relay echo must not duplicate a message in the open view.
	recentIDs geche.Geche[string, struct{}]

	mu            sync.RWMutex
	conversations []models.Conversation
	messages      []models.Message
	activeConv    string
	// subs holds one live subscription per known conversation, active or
	// not. Background conversations keep receiving new_message events so
	// their unread counts stay current without a refetch.
	subs map[string]transport.Subscription
	// loadSeq tags in-flight message loads; a load started for a
	// conversation the user has since left lands on a stale tag and is
	// discarded instead of overwriting the current view.
	loadSeq   uint64
	readError bool
	loadError bool
	observers []func()
}

func New(ctx context.Context, cfg Config, deps Deps, localUser models.User, logger *slog.Logger) *Engine {
	cfg.withDefaults()
	if deps.Peers == nil {
		deps.Peers = PollingNotifier{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		transport: deps.Transport,
		blobs:     deps.Blobs,
		peers:     deps.Peers,
		notifier:  deps.Notifier,
		typing:    deps.Typing,
		localUser: localUser,
		logger:    logger,
		now:       time.Now,
		subs:      make(map[string]transport.Subscription),
		convCache: cache.New[[]models.Conversation](cfg.ConversationCacheTTL, cfg.CacheMaxEntries),
		msgCache: cache.New[[]models.Message](cfg.MessageCacheTTL, cfg.CacheMaxEntries,
			cache.WithSizer[[]models.Message](func(msgs []models.Message) int { return len(msgs) })),
		recentIDs: geche.NewMapTTLCache[string, struct{}](ctx, cfg.RecentIDTTL, 10*time.Second),
	}
}

// OnChange registers a state observer. Observers run synchronously under no
// lock and must not call back into the engine.
func (e *Engine) OnChange(f func()) {
	e.mu.Lock()
	e.observers = append(e.observers, f)
	e.mu.Unlock()
}

func (e *Engine) notifyObservers() {
	e.mu.RLock()
	obs := append([]func(){}, e.observers...)
	e.mu.RUnlock()
	for _, f := range obs {
		f()
	}
}

// Conversations returns a copy of the conversation list, newest first.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.Conversation(nil), e.conversations...)
}

// Messages returns a copy of the open conversation's messages in
// chronological order.
func (e *Engine) Messages() []models.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.Message(nil), e.messages...)
}

func (e *Engine) ActiveConversation() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeConv
}

// ReadError reports whether the last mark-as-read attempt failed. The UI
// surfaces it as a retry affordance; the next successful mark clears it.
func (e *Engine) ReadError() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.readError
}

// LoadError reports whether the last conversation or message load failed.
// Cleared by the next successful load.
func (e *Engine) LoadError() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadError
}

func (e *Engine) setLoadError(failed bool) {
	e.mu.Lock()
	changed := e.loadError != failed
	e.loadError = failed
	e.mu.Unlock()
	if changed {
		e.notifyObservers()
	}
}

// Close drops every live subscription. The engine is not usable afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[string]transport.Subscription)
	e.activeConv = ""
	e.messages = nil
	e.loadSeq++
	e.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// ensureSubscribed returns the live subscription for a conversation,
// creating and wiring one on first sight.
func (e *Engine) ensureSubscribed(conversationID string) (transport.Subscription, error) {
	e.mu.RLock()
	sub, ok := e.subs[conversationID]
	e.mu.RUnlock()
	if ok {
		return sub, nil
	}

	sub, err := e.transport.Subscribe(models.ConversationChannel(conversationID),
		transport.SubscribeOptions{ClientID: e.localUser.ID}, nil)
	if err != nil {
		// A concurrent caller may have subscribed the channel first.
		e.mu.RLock()
		existing, ok := e.subs[conversationID]
		e.mu.RUnlock()
		if ok {
			return existing, nil
		}
		return nil, fmt.Errorf("subscribe conversation channel: %w", err)
	}
	e.wireSubscription(sub)

	e.mu.Lock()
	if existing, ok := e.subs[conversationID]; ok {
		e.mu.Unlock()
		sub.Unsubscribe()
		return existing, nil
	}
	e.subs[conversationID] = sub
	e.mu.Unlock()
	return sub, nil
}

func (e *Engine) subscription(conversationID string) transport.Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.subs[conversationID]
}

func (e *Engine) sortConversationsLocked() {
	sort.Slice(e.conversations, func(i, j int) bool {
		return e.conversations[i].UpdatedAt.After(e.conversations[j].UpdatedAt)
	})
}

func (e *Engine) wireSubscription(sub transport.Subscription) {
	sub.On(models.EventNewMessage, func(payload json.RawMessage) {
		var evt models.NewMessageEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			e.logger.Warn("malformed new_message event", "error", err)
			return
		}
		e.handleNewMessage(evt)
	})
	sub.On(models.EventMessageDeleted, func(payload json.RawMessage) {
		var evt models.MessageDeletedEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			e.logger.Warn("malformed message_deleted event", "error", err)
			return
		}
		e.handleMessageDeleted(evt)
	})
	sub.On(models.EventMessagesRead, func(payload json.RawMessage) {
		var evt models.MessagesReadEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			e.logger.Warn("malformed messages_read event", "error", err)
			return
		}
		e.handleMessagesRead(evt)
	})
	if e.typing != nil {
		e.typing.AttachTyping(sub)
	}
}

// handleNewMessage merges a peer broadcast. Self-originated events and ids
// already present are dropped; everything else lands in the open view or
// bumps the unread count of a background conversation.
func (e *Engine) handleNewMessage(evt models.NewMessageEvent) {
	if evt.SenderID == e.localUser.ID {
		return
	}
	id := evt.Message.ID.Value

	e.mu.Lock()
	if _, err := e.recentIDs.Get(id); err == nil {
		e.mu.Unlock()
		return
	}
	e.recentIDs.Set(id, struct{}{})

	msg := evt.Message
	if evt.ConversationID == e.activeConv {
		for _, m := range e.messages {
			if m.ID.Value == id {
				e.mu.Unlock()
				return
			}
		}
		e.messages = append(e.messages, msg)
	}
	for i := range e.conversations {
		if e.conversations[i].ID != evt.ConversationID {
			continue
		}
		last := msg
		e.conversations[i].LastMessage = &last
		e.conversations[i].UpdatedAt = msg.CreatedAt
		if evt.ConversationID != e.activeConv {
			e.conversations[i].UnreadCount++
		}
		break
	}
	e.sortConversationsLocked()
	e.msgCache.Invalidate(messageCacheKey(evt.ConversationID))
	e.mu.Unlock()
	e.notifyObservers()
}

func (e *Engine) handleMessageDeleted(evt models.MessageDeletedEvent) {
	if evt.UserID == e.localUser.ID {
		return
	}
	e.mu.Lock()
	changed := false
	if evt.ConversationID == e.activeConv {
		for i := range e.messages {
			if e.messages[i].ID.Value == evt.MessageID {
				tombstoneLocked(&e.messages[i], e.now())
				changed = true
				break
			}
		}
	}
	for i := range e.conversations {
		lm := e.conversations[i].LastMessage
		if lm != nil && lm.ID.Value == evt.MessageID {
			tombstoneLocked(lm, e.now())
			changed = true
		}
	}
	if changed {
		e.msgCache.Invalidate(messageCacheKey(evt.ConversationID))
	}
	e.mu.Unlock()
	if changed {
		e.notifyObservers()
	}
}

// handleMessagesRead flips read receipts on the local user's own sent
// messages: the peer has seen them.
func (e *Engine) handleMessagesRead(evt models.MessagesReadEvent) {
	if evt.UserID == e.localUser.ID {
		return
	}
	e.mu.Lock()
	changed := false
	if evt.ConversationID == e.activeConv {
		for i := range e.messages {
			if e.messages[i].SenderID == e.localUser.ID && !e.messages[i].IsRead {
				e.messages[i].IsRead = true
				changed = true
			}
		}
	}
	e.mu.Unlock()
	if changed {
		e.notifyObservers()
	}
}

func tombstoneLocked(m *models.Message, at time.Time) {
	m.IsDeleted = true
	m.Content = models.DeletedPlaceholder
	m.MediaURL = ""
	m.ThumbnailURL = ""
	m.DeletedAt = at
}

func conversationCacheKey(userID string) string { return "conversations:" + userID }

func messageCacheKey(conversationID string) string { return "messages:" + conversationID }
