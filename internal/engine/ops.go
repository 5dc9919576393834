package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"vestnik/internal/blob"
	"vestnik/internal/content"
	"vestnik/internal/models"
	"vestnik/internal/notify"
	"vestnik/internal/store"
	"vestnik/internal/transport"
)

// ErrNoBlobStore is returned by SendMediaMessage when the engine was built
// without a blob store.
var ErrNoBlobStore = errors.New("no blob store configured")

// LoadConversations refreshes the conversation list. A fresh cached copy is
// installed first so the list paints immediately; the remote result then
// replaces it and refills the cache.
func (e *Engine) LoadConversations(ctx context.Context) error {
	key := conversationCacheKey(e.localUser.ID)
	if cached, ok := e.convCache.Get(key); ok {
		e.mu.Lock()
		e.conversations = append([]models.Conversation(nil), cached...)
		e.sortConversationsLocked()
		e.mu.Unlock()
		e.notifyObservers()
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	convs, err := e.store.FetchConversations(fctx, e.localUser.ID)
	if err != nil {
		e.setLoadError(true)
		return fmt.Errorf("fetch conversations: %w", err)
	}

	e.convCache.Set(key, convs)
	e.mu.Lock()
	e.conversations = append([]models.Conversation(nil), convs...)
	e.sortConversationsLocked()
	e.loadError = false
	e.mu.Unlock()
	e.notifyObservers()

	// Every known conversation listens for broadcasts, open or not, so
	// background unread counts move without a refetch.
	for _, c := range convs {
		if _, err := e.ensureSubscribed(c.ID); err != nil {
			e.logger.Warn("conversation subscribe failed", "conversation", c.ID, "error", err)
		}
	}
	return nil
}

// OpenConversation makes conversationID the active view and loads its
// messages. The channel subscription is shared with the background listener,
// so opening and closing never tears it down.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return models.ErrInvalidConversation
	}

	if _, err := e.ensureSubscribed(conversationID); err != nil {
		return err
	}

	e.mu.Lock()
	e.activeConv = conversationID
	e.messages = nil
	e.loadSeq++
	e.mu.Unlock()
	if e.typing != nil {
		e.typing.SetActiveConversation(conversationID)
	}

	if err := e.ensureConversationKnown(ctx, conversationID); err != nil {
		e.logger.Warn("participant lookup failed", "conversation", conversationID, "error", err)
	}
	return e.LoadMessages(ctx, conversationID)
}

// CloseConversation clears the active view. The subscription stays live so
// the conversation keeps counting unread in the background; in-flight loads
// for it land on a stale tag and are discarded.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.activeConv = ""
	e.messages = nil
	e.loadSeq++
	e.mu.Unlock()
	if e.typing != nil {
		e.typing.SetActiveConversation("")
	}
	e.notifyObservers()
}

// ensureConversationKnown covers opening a conversation that is not in the
// local list yet, e.g. straight from a deep link before the list loaded. The
// participant fetch builds a stub entry so the header can render.
func (e *Engine) ensureConversationKnown(ctx context.Context, conversationID string) error {
	e.mu.RLock()
	for _, c := range e.conversations {
		if c.ID == conversationID {
			e.mu.RUnlock()
			return nil
		}
	}
	e.mu.RUnlock()

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	participants, err := e.store.FetchConversationParticipants(fctx, conversationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conversations = append(e.conversations, models.Conversation{
		ID:           conversationID,
		Participants: participants,
	})
	e.mu.Unlock()
	e.notifyObservers()
	return nil
}

// LoadMessages pulls the newest messages of a conversation into the open
// view. The result is installed only if the view still belongs to the same
// load: switching conversations mid-flight discards the stale result.
func (e *Engine) LoadMessages(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return models.ErrInvalidConversation
	}
	e.mu.Lock()
	e.loadSeq++
	seq := e.loadSeq
	e.mu.Unlock()

	key := messageCacheKey(conversationID)
	if cached, ok := e.msgCache.Get(key); ok {
		if e.installMessages(seq, conversationID, cached) {
			e.notifyObservers()
		}
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	msgs, err := e.store.FetchMessages(fctx, conversationID, e.localUser.ID, e.cfg.MessageLimit)
	if err != nil {
		e.setLoadError(true)
		return fmt.Errorf("fetch messages: %w", err)
	}

	e.setLoadError(false)
	e.msgCache.Set(key, msgs)
	if !e.installMessages(seq, conversationID, msgs) {
		return nil
	}
	e.notifyObservers()

	if e.cfg.AutoMarkAsRead {
		if err := e.MarkAsRead(ctx, conversationID); err != nil {
			e.logger.Warn("auto mark-as-read failed", "conversation", conversationID, "error", err)
		}
	}
	return nil
}

func (e *Engine) installMessages(seq uint64, conversationID string, msgs []models.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadSeq != seq || e.activeConv != conversationID {
		return false
	}
	e.messages = append([]models.Message(nil), msgs...)
	for _, m := range msgs {
		if !m.ID.Pending() {
			e.recentIDs.Set(m.ID.Value, struct{}{})
		}
	}
	return true
}

// SendMessage sends a text message to the active conversation. The message
// appears in the open view immediately under a pending id; the remote write
// confirms it in place, or rolls it back entirely on failure.
func (e *Engine) SendMessage(ctx context.Context, raw string) (models.Message, error) {
	e.mu.RLock()
	conversationID := e.activeConv
	e.mu.RUnlock()
	if conversationID == "" {
		return models.Message{}, models.ErrInvalidConversation
	}
	sub := e.subscription(conversationID)

	clean := content.Sanitize(raw)
	if !content.ValidateText(clean) {
		return models.Message{}, models.ErrEmptyMessage
	}

	now := e.now()
	pending := models.Message{
		ID:             models.NewPendingID(now),
		ConversationID: conversationID,
		SenderID:       e.localUser.ID,
		Content:        clean,
		Type:           models.MessageTypeText,
		CreatedAt:      now,
	}
	if e.typing != nil && sub != nil {
		e.typing.StopTyping(sub, conversationID)
	}
	return e.send(ctx, sub, pending)
}

// SendMediaMessage uploads the media first and only then inserts the
// message, so a failed upload touches no state at all. A failed insert after
// a successful upload leaves an orphaned object behind; that leak is logged
// and tolerated.
func (e *Engine) SendMediaMessage(ctx context.Context, r io.Reader, duration int) (models.Message, error) {
	e.mu.RLock()
	conversationID := e.activeConv
	e.mu.RUnlock()
	if conversationID == "" {
		return models.Message{}, models.ErrInvalidConversation
	}
	if e.blobs == nil {
		return models.Message{}, ErrNoBlobStore
	}
	sub := e.subscription(conversationID)

	uctx, cancel := context.WithTimeout(ctx, e.cfg.UploadTimeout)
	defer cancel()
	res, err := e.blobs.Upload(uctx, r, "chat-media", e.localUser.ID, blob.UploadOptions{Folder: conversationID})
	if err != nil {
		return models.Message{}, fmt.Errorf("upload media: %w", err)
	}

	now := e.now()
	pending := models.Message{
		ID:             models.NewPendingID(now),
		ConversationID: conversationID,
		SenderID:       e.localUser.ID,
		Content:        blob.Placeholder(res.Kind),
		Type:           res.Kind,
		MediaURL:       res.URL,
		Duration:       duration,
		CreatedAt:      now,
	}
	msg, err := e.send(ctx, sub, pending)
	if err != nil {
		e.logger.Warn("orphaned media object after failed insert", "path", res.Path, "error", err)
		return models.Message{}, err
	}
	return msg, nil
}

func (e *Engine) send(ctx context.Context, sub transport.Subscription, pending models.Message) (models.Message, error) {
	e.mu.Lock()
	if pending.ConversationID == e.activeConv {
		e.messages = append(e.messages, pending)
	}
	e.mu.Unlock()
	e.notifyObservers()

	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	serverMsg, err := e.store.InsertMessage(wctx, store.InsertMessageInput{
		ConversationID: pending.ConversationID,
		SenderID:       pending.SenderID,
		Content:        pending.Content,
		Type:           pending.Type,
		MediaURL:       pending.MediaURL,
		ThumbnailURL:   pending.ThumbnailURL,
		Duration:       pending.Duration,
		SharedPostID:   pending.SharedPostID,
		SharedReelID:   pending.SharedReelID,
	})
	if err != nil {
		e.removeMessage(pending.ID)
		e.notifyObservers()
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	confirmed := models.Confirm(pending, serverMsg)
	e.mu.Lock()
	e.recentIDs.Set(confirmed.ID.Value, struct{}{})
	for i := range e.messages {
		if e.messages[i].ID.Value == pending.ID.Value {
			e.messages[i] = confirmed
			break
		}
	}
	for i := range e.conversations {
		if e.conversations[i].ID == confirmed.ConversationID {
			last := confirmed
			e.conversations[i].LastMessage = &last
			e.conversations[i].UpdatedAt = confirmed.CreatedAt
			break
		}
	}
	e.sortConversationsLocked()
	e.msgCache.Invalidate(messageCacheKey(confirmed.ConversationID))
	e.mu.Unlock()
	e.notifyObservers()

	e.peers.NewMessage(ctx, sub, confirmed)
	e.pushToParticipants(confirmed)
	return confirmed, nil
}

func (e *Engine) removeMessage(id models.MessageID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID.Value == id.Value {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			return
		}
	}
}

// pushToParticipants fans push notifications out to the other participants.
// Fire-and-forget: delivery failures never surface to the sender.
func (e *Engine) pushToParticipants(msg models.Message) {
	e.mu.RLock()
	var recipients []models.User
	for _, c := range e.conversations {
		if c.ID != msg.ConversationID {
			continue
		}
		for _, p := range c.Participants {
			if p.ID != e.localUser.ID {
				recipients = append(recipients, p)
			}
		}
		break
	}
	e.mu.RUnlock()
	if len(recipients) == 0 {
		return
	}

	body := msg.Content
	if msg.Type != models.MessageTypeText {
		body = blob.Placeholder(msg.Type)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
		defer cancel()
		for _, r := range recipients {
			err := e.notifier.Notify(ctx, notify.Event{
				UserID:         r.ID,
				Title:          e.localUser.Username,
				Body:           body,
				ConversationID: msg.ConversationID,
			})
			if err != nil {
				e.logger.Warn("push notification failed", "user", r.ID, "error", err)
			}
		}
	}()
}

// DeleteMessage tombstones a message the local user sent. A still-pending
// message has no server row yet and is just dropped from the view.
func (e *Engine) DeleteMessage(ctx context.Context, id models.MessageID) error {
	if id.Pending() {
		e.removeMessage(id)
		e.notifyObservers()
		return nil
	}

	e.mu.RLock()
	conversationID := e.activeConv
	for _, m := range e.messages {
		if m.ID.Value == id.Value {
			conversationID = m.ConversationID
			break
		}
	}
	e.mu.RUnlock()
	sub := e.subscription(conversationID)

	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	if err := e.store.SoftDeleteMessage(wctx, id.Value, e.localUser.ID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ID.Value == id.Value {
			tombstoneLocked(&e.messages[i], e.now())
			break
		}
	}
	for i := range e.conversations {
		lm := e.conversations[i].LastMessage
		if lm != nil && lm.ID.Value == id.Value {
			tombstoneLocked(lm, e.now())
		}
	}
	e.msgCache.Invalidate(messageCacheKey(conversationID))
	e.mu.Unlock()
	e.notifyObservers()

	e.peers.MessageDeleted(ctx, sub, conversationID, id.Value, e.localUser.ID)
	return nil
}

// EditMessage rewrites the content of a confirmed message the local user
// sent. The store may normalize the content, so the open view is refetched
// rather than patched with the client-side text.
func (e *Engine) EditMessage(ctx context.Context, id models.MessageID, raw string) error {
	if id.Pending() {
		return models.ErrNotFound
	}
	clean := content.Sanitize(raw)
	if !content.ValidateText(clean) {
		return models.ErrEmptyMessage
	}

	e.mu.RLock()
	conversationID := e.activeConv
	for _, m := range e.messages {
		if m.ID.Value == id.Value {
			conversationID = m.ConversationID
			break
		}
	}
	e.mu.RUnlock()

	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	if err := e.store.EditMessage(wctx, id.Value, clean, e.localUser.ID); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}

	e.msgCache.Invalidate(messageCacheKey(conversationID))
	if conversationID != "" && conversationID == e.ActiveConversation() {
		if err := e.LoadMessages(ctx, conversationID); err != nil {
			e.logger.Warn("reload after edit failed", "conversation", conversationID, "error", err)
		}
	}
	return nil
}

// MarkAsRead marks every message the peer sent in the conversation as read,
// remotely and in the local replica. A failure raises the read-error flag;
// the next success clears it.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return models.ErrInvalidConversation
	}

	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	if _, err := e.store.MarkRead(wctx, conversationID, e.localUser.ID); err != nil {
		e.mu.Lock()
		e.readError = true
		e.mu.Unlock()
		e.notifyObservers()
		return fmt.Errorf("mark read: %w", err)
	}

	e.mu.Lock()
	e.readError = false
	for i := range e.conversations {
		if e.conversations[i].ID == conversationID {
			e.conversations[i].UnreadCount = 0
			break
		}
	}
	if conversationID == e.activeConv {
		for i := range e.messages {
			if e.messages[i].SenderID != e.localUser.ID {
				e.messages[i].IsRead = true
			}
		}
	}
	e.mu.Unlock()
	e.notifyObservers()

	e.peers.MessagesRead(ctx, e.subscription(conversationID), conversationID, e.localUser.ID)
	return nil
}

// CreateConversation finds or creates the direct conversation with another
// user and refreshes the list. Calling it twice for the same pair, in either
// order, yields the same id.
func (e *Engine) CreateConversation(ctx context.Context, otherUserID string) (string, error) {
	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	id, err := e.store.FindOrCreateConversation(wctx, []string{e.localUser.ID, otherUserID})
	if err != nil {
		return "", fmt.Errorf("find or create conversation: %w", err)
	}

	e.convCache.Invalidate(conversationCacheKey(e.localUser.ID))
	if err := e.LoadConversations(ctx); err != nil {
		e.logger.Warn("conversation list refresh failed", "error", err)
	}
	return id, nil
}
