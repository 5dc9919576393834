package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vestnik/internal/models"
)

func newTestStore(t *testing.T) *BboltStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBboltStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUsers(t *testing.T, s *BboltStore, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if err := s.UpsertUser(ctx, models.User{ID: id, Username: id, DisplayName: id}); err != nil {
			t.Fatalf("UpsertUser(%s) failed: %v", id, err)
		}
	}
}

func TestBboltStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUsers(t, s, "alice", "bob", "carol")

	t.Run("FindOrCreateIdempotent", func(t *testing.T) {
		id1, err := s.FindOrCreateConversation(ctx, []string{"alice", "bob"})
		if err != nil {
			t.Fatalf("FindOrCreateConversation failed: %v", err)
		}
		// Reversed pair order must still find the same conversation.
		id2, err := s.FindOrCreateConversation(ctx, []string{"bob", "alice"})
		if err != nil {
			t.Fatalf("FindOrCreateConversation failed: %v", err)
		}
		if id1 != id2 {
			t.Errorf("expected same conversation id, got %s and %s", id1, id2)
		}

		id3, err := s.FindOrCreateConversation(ctx, []string{"alice", "carol"})
		if err != nil {
			t.Fatalf("FindOrCreateConversation failed: %v", err)
		}
		if id3 == id1 {
			t.Error("different pair returned the same conversation")
		}
	})

	t.Run("InsertAndFetchMessages", func(t *testing.T) {
		convID, err := s.FindOrCreateConversation(ctx, []string{"alice", "bob"})
		if err != nil {
			t.Fatal(err)
		}

		for _, content := range []string{"one", "two", "three"} {
			if _, err := s.InsertMessage(ctx, InsertMessageInput{
				ConversationID: convID,
				SenderID:       "alice",
				Content:        content,
				Type:           models.MessageTypeText,
			}); err != nil {
				t.Fatalf("InsertMessage failed: %v", err)
			}
		}

		msgs, err := s.FetchMessages(ctx, convID, "bob", 0)
		if err != nil {
			t.Fatalf("FetchMessages failed: %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		if msgs[0].Content != "one" || msgs[2].Content != "three" {
			t.Errorf("messages not chronological: %q ... %q", msgs[0].Content, msgs[2].Content)
		}
		if msgs[0].ID.Pending() {
			t.Error("stored message has a pending id")
		}

		limited, err := s.FetchMessages(ctx, convID, "bob", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 2 || limited[0].Content != "two" {
			t.Errorf("limit should keep the newest messages, got %+v", limited)
		}
	})

	t.Run("InsertIntoMissingConversation", func(t *testing.T) {
		_, err := s.InsertMessage(ctx, InsertMessageInput{
			ConversationID: "nope",
			SenderID:       "alice",
			Content:        "hi",
			Type:           models.MessageTypeText,
		})
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("MarkRead", func(t *testing.T) {
		convID, err := s.FindOrCreateConversation(ctx, []string{"alice", "carol"})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			if _, err := s.InsertMessage(ctx, InsertMessageInput{
				ConversationID: convID, SenderID: "carol", Content: "hey", Type: models.MessageTypeText,
			}); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.InsertMessage(ctx, InsertMessageInput{
			ConversationID: convID, SenderID: "alice", Content: "own", Type: models.MessageTypeText,
		}); err != nil {
			t.Fatal(err)
		}

		updated, err := s.MarkRead(ctx, convID, "alice")
		if err != nil {
			t.Fatalf("MarkRead failed: %v", err)
		}
		if updated != 2 {
			t.Errorf("expected 2 rows updated, got %d", updated)
		}

		// Idempotent: nothing left to flip.
		updated, err = s.MarkRead(ctx, convID, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if updated != 0 {
			t.Errorf("expected 0 rows on second MarkRead, got %d", updated)
		}

		convs, err := s.FetchConversations(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range convs {
			if c.ID == convID && c.UnreadCount != 0 {
				t.Errorf("unread count should be 0 after MarkRead, got %d", c.UnreadCount)
			}
		}
	})

	t.Run("SoftDeleteScopedToSender", func(t *testing.T) {
		convID, err := s.FindOrCreateConversation(ctx, []string{"bob", "carol"})
		if err != nil {
			t.Fatal(err)
		}
		msg, err := s.InsertMessage(ctx, InsertMessageInput{
			ConversationID: convID, SenderID: "bob", Content: "secret", Type: models.MessageTypeText,
		})
		if err != nil {
			t.Fatal(err)
		}

		if err := s.SoftDeleteMessage(ctx, msg.ID.Value, "carol"); !errors.Is(err, models.ErrNotSender) {
			t.Errorf("expected ErrNotSender for foreign delete, got %v", err)
		}

		if err := s.SoftDeleteMessage(ctx, msg.ID.Value, "bob"); err != nil {
			t.Fatalf("SoftDeleteMessage failed: %v", err)
		}

		msgs, err := s.FetchMessages(ctx, convID, "bob", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 {
			t.Fatalf("soft delete must keep the row, got %d messages", len(msgs))
		}
		if !msgs[0].IsDeleted || msgs[0].Content != models.DeletedPlaceholder {
			t.Errorf("expected tombstone, got %+v", msgs[0])
		}

		// Editing a deleted message is rejected.
		if err := s.EditMessage(ctx, msg.ID.Value, "new", "bob"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound editing a tombstone, got %v", err)
		}
	})

	t.Run("EditMessage", func(t *testing.T) {
		convID, err := s.FindOrCreateConversation(ctx, []string{"alice", "bob"})
		if err != nil {
			t.Fatal(err)
		}
		msg, err := s.InsertMessage(ctx, InsertMessageInput{
			ConversationID: convID, SenderID: "alice", Content: "typo", Type: models.MessageTypeText,
		})
		if err != nil {
			t.Fatal(err)
		}

		if err := s.EditMessage(ctx, msg.ID.Value, "fixed", "bob"); !errors.Is(err, models.ErrNotSender) {
			t.Errorf("expected ErrNotSender for foreign edit, got %v", err)
		}
		if err := s.EditMessage(ctx, msg.ID.Value, "fixed", "alice"); err != nil {
			t.Fatalf("EditMessage failed: %v", err)
		}

		msgs, err := s.FetchMessages(ctx, convID, "alice", 0)
		if err != nil {
			t.Fatal(err)
		}
		var found bool
		for _, m := range msgs {
			if m.ID.Value == msg.ID.Value {
				found = true
				if m.Content != "fixed" || !m.IsEdited || m.EditedAt.IsZero() {
					t.Errorf("edit not applied: %+v", m)
				}
			}
		}
		if !found {
			t.Error("edited message missing from fetch")
		}
	})

	t.Run("Presence", func(t *testing.T) {
		seen := time.Now()
		if err := s.UpdatePresence(ctx, "alice", true, seen); err != nil {
			t.Fatalf("UpdatePresence failed: %v", err)
		}
		users, err := s.FetchPresence(ctx)
		if err != nil {
			t.Fatalf("FetchPresence failed: %v", err)
		}
		var alice *models.PresenceUser
		for i := range users {
			if users[i].UserID == "alice" {
				alice = &users[i]
			}
		}
		if alice == nil || !alice.Online || !alice.LastSeen.Equal(seen) {
			t.Errorf("presence not recorded: %+v", alice)
		}

		if err := s.UpdatePresence(ctx, "ghost", true, seen); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown user, got %v", err)
		}
	})

	t.Run("ConversationListShape", func(t *testing.T) {
		convs, err := s.FetchConversations(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(convs) == 0 {
			t.Fatal("alice should have conversations")
		}
		for i := 1; i < len(convs); i++ {
			if convs[i].UpdatedAt.After(convs[i-1].UpdatedAt) {
				t.Error("conversations not sorted by UpdatedAt descending")
			}
		}
		if convs[0].LastMessage == nil {
			t.Error("most recent conversation should carry a lastMessage")
		}
	})
}

func TestBboltStore_Ping(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Ping(ctx); err == nil {
		t.Error("Ping should fail on cancelled context")
	}
}
