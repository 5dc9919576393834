package presence

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"vestnik/internal/models"
	"vestnik/internal/transport"
)

// AttachTyping wires typing events from a conversation subscription into the
// tracker. Subscriptions for background conversations carry typing traffic
// too, so only events for the active conversation reach the typing list.
func (t *Tracker) AttachTyping(sub transport.Subscription) {
	sub.On(models.EventTyping, func(payload json.RawMessage) {
		var evt models.TypingEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.logger.Warn("malformed typing event", "error", err)
			return
		}
		if evt.UserID == t.localUser.ID || !t.isActive(evt.ConversationID) {
			return
		}
		t.typing.Set(evt.UserID, models.TypingUser{
			UserID:    evt.UserID,
			Username:  evt.Username,
			Timestamp: time.UnixMilli(evt.Timestamp),
		})
	})
	sub.On(models.EventStopTyping, func(payload json.RawMessage) {
		var evt models.TypingEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return
		}
		if !t.isActive(evt.ConversationID) {
			return
		}
		_ = t.typing.Del(evt.UserID)
	})
}

// SetActiveConversation switches which conversation feeds the typing list
// and drops entries left over from the previous one. An empty id means no
// conversation is open.
func (t *Tracker) SetActiveConversation(conversationID string) {
	t.typingMu.Lock()
	t.activeConv = conversationID
	t.typingMu.Unlock()
	for id := range t.typing.Snapshot() {
		_ = t.typing.Del(id)
	}
}

func (t *Tracker) isActive(conversationID string) bool {
	t.typingMu.Lock()
	defer t.typingMu.Unlock()
	return t.activeConv != "" && t.activeConv == conversationID
}

// HandleTyping is called on every local keystroke. It publishes a typing
// event and arms the debounce timer; when the user stops typing for the
// debounce window, stop_typing goes out.
func (t *Tracker) HandleTyping(ctx context.Context, sub transport.Subscription, conversationID string) {
	evt := models.TypingEvent{
		UserID:         t.localUser.ID,
		Username:       t.localUser.Username,
		ConversationID: conversationID,
		Timestamp:      t.now().UnixMilli(),
	}
	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := sub.Publish(wctx, models.EventTyping, evt); err != nil {
		t.logger.Warn("typing broadcast failed", "error", err)
	}

	t.typingMu.Lock()
	defer t.typingMu.Unlock()
	if timer, ok := t.debounce[conversationID]; ok {
		timer.Reset(t.cfg.TypingDebounce)
		return
	}
	t.debounce[conversationID] = time.AfterFunc(t.cfg.TypingDebounce, func() {
		t.typingMu.Lock()
		delete(t.debounce, conversationID)
		t.typingMu.Unlock()
		t.stopTyping(sub, conversationID)
	})
}

// StopTyping cancels the debounce and publishes stop_typing immediately,
// e.g. when a message is sent. Without an armed debounce there is nothing
// to retract and no event goes out.
func (t *Tracker) StopTyping(sub transport.Subscription, conversationID string) {
	t.typingMu.Lock()
	timer, armed := t.debounce[conversationID]
	if armed {
		timer.Stop()
		delete(t.debounce, conversationID)
	}
	t.typingMu.Unlock()
	if !armed {
		return
	}
	t.stopTyping(sub, conversationID)
}

func (t *Tracker) stopTyping(sub transport.Subscription, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()
	evt := models.TypingEvent{
		UserID:         t.localUser.ID,
		Username:       t.localUser.Username,
		ConversationID: conversationID,
		Timestamp:      t.now().UnixMilli(),
	}
	if err := sub.Publish(ctx, models.EventStopTyping, evt); err != nil {
		t.logger.Warn("stop_typing broadcast failed", "error", err)
	}
}

// TypingUsers lists who is typing right now. The TTL cache expires entries
// on its own; the timestamp filter is the staleness sweep tolerating a lost
// stop_typing event between cache cleanup passes.
func (t *Tracker) TypingUsers() []models.TypingUser {
	cutoff := t.now().Add(-t.cfg.TypingTTL)
	var users []models.TypingUser
	for _, u := range t.typing.Snapshot() {
		if u.Timestamp.After(cutoff) {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}
