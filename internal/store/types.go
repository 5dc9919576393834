package store

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

// Rows are stored as msgpack. The alias type in each codec avoids infinite
// recursion through MarshalBinary.

type DBUser struct {
	ID          string `msgpack:"id"`
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Online      bool   `msgpack:"online"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() ([]byte, error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBConversation struct {
	ID             string   `msgpack:"id"`
	ParticipantIDs []string `msgpack:"participantIds"`
	IsDirect       bool     `msgpack:"isDirect"`
	CreatedAt      int64    `msgpack:"createdAt"`
	UpdatedAt      int64    `msgpack:"updatedAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() ([]byte, error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Content        string `msgpack:"content"`
	Type           string `msgpack:"type"`
	MediaURL       string `msgpack:"mediaUrl"`
	ThumbnailURL   string `msgpack:"thumbnailUrl"`
	Duration       int    `msgpack:"duration"`
	SharedPostID   string `msgpack:"sharedPostId"`
	SharedReelID   string `msgpack:"sharedReelId"`
	CreatedAt      int64  `msgpack:"createdAt"` // unix nanoseconds
	IsRead         bool   `msgpack:"isRead"`
	IsEdited       bool   `msgpack:"isEdited"`
	EditedAt       int64  `msgpack:"editedAt"`
	IsDeleted      bool   `msgpack:"isDeleted"`
	DeletedAt      int64  `msgpack:"deletedAt"`
}

// Key orders messages chronologically within the per-conversation bucket.
// The id suffix disambiguates identical timestamps.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() ([]byte, error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message row from its id alone.
type DBMessageRef struct {
	ConversationID string `msgpack:"conversationId"`
	MessageKey     []byte `msgpack:"messageKey"`
}

func (r *DBMessageRef) MarshalBinary() ([]byte, error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}
