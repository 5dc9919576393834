package store

import (
	"context"
	"time"

	"vestnik/internal/models"
)

// InsertMessageInput carries everything the remote store needs to persist a
// message. The id and authoritative timestamp are assigned by the store.
type InsertMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           models.MessageType
	MediaURL       string
	ThumbnailURL   string
	Duration       int
	SharedPostID   string
	SharedReelID   string
}

// RemoteStore is the contract the synchronization engine consumes. In
// production it fronts the hosted backend; the bbolt implementation in this
// package is the reference used by the daemon and the tests.
type RemoteStore interface {
	FetchConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	FetchConversationParticipants(ctx context.Context, conversationID string) ([]models.User, error)
	// FetchMessages returns messages in chronological order. limit <= 0
	// means no limit; otherwise the newest limit messages are returned.
	FetchMessages(ctx context.Context, conversationID, userID string, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, in InsertMessageInput) (models.Message, error)
	// MarkRead flips isRead on every message in the conversation not sent
	// by userID and returns the number of rows updated.
	MarkRead(ctx context.Context, conversationID, userID string) (int, error)
	// SoftDeleteMessage tombstones a message. Fails with
	// models.ErrNotSender unless userID sent it.
	SoftDeleteMessage(ctx context.Context, messageID, userID string) error
	EditMessage(ctx context.Context, messageID, newContent, userID string) error
	// FindOrCreateConversation returns the existing direct conversation
	// for the same unordered pair, or creates one. participantIDs must
	// include the local user.
	FindOrCreateConversation(ctx context.Context, participantIDs []string) (string, error)
	UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
	// FetchPresence returns the authoritative presence map used by the
	// periodic reconciliation pass.
	FetchPresence(ctx context.Context) ([]models.PresenceUser, error)
	// Ping is a lightweight reachability probe against a stable table.
	Ping(ctx context.Context) error
}

// UserDirectory covers the user rows the daemon seeds and the participant
// lookups resolve against.
type UserDirectory interface {
	UpsertUser(ctx context.Context, user models.User) error
	FetchUser(ctx context.Context, userID string) (models.User, error)
}
