package models

// Event names exchanged over broadcast channels.
const (
	EventNewMessage     = "new_message"
	EventMessageDeleted = "message_deleted"
	EventMessagesRead   = "messages_read"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventPresenceChange = "presence_change"
)

type NewMessageEvent struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId"`
	SenderID       string  `json:"senderId"`
	Timestamp      int64   `json:"timestamp"`
}

type MessageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Timestamp      int64  `json:"timestamp"`
}

type MessagesReadEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Timestamp      int64  `json:"timestamp"`
}

type TypingEvent struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ConversationID string `json:"conversationId"`
	Timestamp      int64  `json:"timestamp"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type PresenceChangeEvent struct {
	UserID    string         `json:"userId"`
	Username  string         `json:"username"`
	Status    PresenceStatus `json:"status"`
	Timestamp int64          `json:"timestamp"`
}
