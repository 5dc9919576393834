package models

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrEmptyMessage        = errors.New("message content is empty")
	ErrInvalidConversation = errors.New("conversation id is required")
	ErrNotSender           = errors.New("message does not belong to user")
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
	MessageTypePost  MessageType = "post"
	MessageTypeReel  MessageType = "reel"
)

// DeletedPlaceholder replaces the content of soft-deleted messages.
const DeletedPlaceholder = "This message was deleted"

type IDKind uint8

const (
	IDPending IDKind = iota
	IDConfirmed
)

// MessageID is either a client-generated pending id (assigned on optimistic
// insert, before the remote write confirms) or a server-assigned confirmed id.
// The distinction is carried in the type instead of a string prefix so call
// sites cannot forget to check it.
type MessageID struct {
	Kind  IDKind `json:"kind"`
	Value string `json:"value"`
}

func NewPendingID(now time.Time) MessageID {
	return MessageID{
		Kind:  IDPending,
		Value: fmt.Sprintf("temp-%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
	}
}

func ConfirmedID(value string) MessageID {
	return MessageID{Kind: IDConfirmed, Value: value}
}

func (id MessageID) Pending() bool {
	return id.Kind == IDPending
}

func (id MessageID) String() string {
	return id.Value
}

// User is a participant reference as the conversation list needs it.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type Message struct {
	ID             MessageID   `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	ThumbnailURL   string      `json:"thumbnailUrl,omitempty"`
	// Duration of audio/video media in seconds.
	Duration     int       `json:"duration,omitempty"`
	SharedPostID string    `json:"sharedPostId,omitempty"`
	SharedReelID string    `json:"sharedReelId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	IsRead       bool      `json:"isRead"`
	IsEdited     bool      `json:"isEdited"`
	EditedAt     time.Time `json:"editedAt,omitzero"`
	IsDeleted    bool      `json:"isDeleted"`
	DeletedAt    time.Time `json:"deletedAt,omitzero"`
}

// Confirm transitions a pending message to its server-confirmed form. The
// server row wins on every field it sets; in particular the timestamp becomes
// authoritative.
func Confirm(pending Message, server Message) Message {
	confirmed := server
	confirmed.ID = ConfirmedID(server.ID.Value)
	if confirmed.Type == "" {
		confirmed.Type = pending.Type
	}
	return confirmed
}

type Conversation struct {
	ID           string    `json:"id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// OtherParticipant returns the participant that is not the local user.
// Valid for direct 1:1 conversations.
func (c *Conversation) OtherParticipant(localUserID string) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != localUserID {
			return p, true
		}
	}
	return User{}, false
}

// TypingUser is ephemeral state derived from typing broadcasts.
type TypingUser struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceUser is best-effort ephemeral presence state.
type PresenceUser struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// ConversationChannel is the broadcast channel name for a conversation.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// PresenceChannel carries presence_change events for all users.
const PresenceChannel = "presence"

// DirectPairKey returns a deterministic key for an unordered pair of user
// ids, used for find-or-create of direct conversations.
func DirectPairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}
