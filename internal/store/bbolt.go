package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"vestnik/internal/models"
)

var (
	bucketUsers         = []byte("users")
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageRefs   = []byte("message_refs")
	bucketDirectIndex   = []byte("direct_index")
)

// BboltStore is the reference RemoteStore implementation. A hosted backend
// fills the same role in production; keeping a real one here lets the daemon
// run standalone and gives the tests authoritative find-or-create and
// mark-as-read semantics to check the engine against.
type BboltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketConversations,
			bucketMessages,
			bucketMessageRefs,
			bucketDirectIndex,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db, now: time.Now}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// Ping reads the users bucket stats. Cheap and always valid, which is what
// the connection monitor's probe needs.
func (s *BboltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		_ = tx.Bucket(bucketUsers).Stats()
		return nil
	})
}

func (s *BboltStore) UpsertUser(ctx context.Context, user models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := &DBUser{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
		}
		if existing := tx.Bucket(bucketUsers).Get(dbUser.Key()); existing != nil {
			var prev DBUser
			if err := prev.UnmarshalBinary(existing); err == nil {
				dbUser.Online = prev.Online
				dbUser.LastSeen = prev.LastSeen
			}
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

func (s *BboltStore) FetchUser(ctx context.Context, userID string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = toUser(dbUser)
		return nil
	})
	return user, err
}

func (s *BboltStore) FindOrCreateConversation(ctx context.Context, participantIDs []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(participantIDs) < 2 {
		return "", fmt.Errorf("conversation needs at least 2 participants, got %d", len(participantIDs))
	}

	var conversationID string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		direct := len(participantIDs) == 2
		var pairKey []byte
		if direct {
			pairKey = []byte(models.DirectPairKey(participantIDs[0], participantIDs[1]))
			// The direct index inside a single write transaction is the
			// uniqueness constraint: concurrent find-or-create for the
			// same pair serializes here and both callers get one id.
			if existing := tx.Bucket(bucketDirectIndex).Get(pairKey); existing != nil {
				conversationID = string(existing)
				return nil
			}
		}

		now := s.now()
		conv := &DBConversation{
			ID:             uuid.NewString(),
			ParticipantIDs: append([]string(nil), participantIDs...),
			IsDirect:       direct,
			CreatedAt:      now.UnixNano(),
			UpdatedAt:      now.UnixNano(),
		}
		data, err := conv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConversations).Put(conv.Key(), data); err != nil {
			return err
		}
		if direct {
			if err := tx.Bucket(bucketDirectIndex).Put(pairKey, []byte(conv.ID)); err != nil {
				return err
			}
		}
		conversationID = conv.ID
		return nil
	})
	return conversationID, err
}

func (s *BboltStore) FetchConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var conversations []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var conv DBConversation
			if err := conv.UnmarshalBinary(v); err != nil {
				return err
			}
			if !contains(conv.ParticipantIDs, userID) {
				return nil
			}
			c := models.Conversation{
				ID:        conv.ID,
				UpdatedAt: time.Unix(0, conv.UpdatedAt),
			}
			for _, pid := range conv.ParticipantIDs {
				c.Participants = append(c.Participants, s.userInTx(tx, pid))
			}

			convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conv.ID))
			if convBucket != nil {
				cur := convBucket.Cursor()
				if _, last := cur.Last(); last != nil {
					var dbMsg DBMessage
					if err := dbMsg.UnmarshalBinary(last); err != nil {
						return err
					}
					msg := toMessage(dbMsg)
					c.LastMessage = &msg
				}
				if err := convBucket.ForEach(func(_, mv []byte) error {
					var dbMsg DBMessage
					if err := dbMsg.UnmarshalBinary(mv); err != nil {
						return err
					}
					if !dbMsg.IsRead && !dbMsg.IsDeleted && dbMsg.SenderID != userID {
						c.UnreadCount++
					}
					return nil
				}); err != nil {
					return err
				}
			}

			conversations = append(conversations, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Most recently updated first, matching the conversation list view.
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

func (s *BboltStore) FetchConversationParticipants(ctx context.Context, conversationID string) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(conversationID))
		if data == nil {
			return models.ErrNotFound
		}
		var conv DBConversation
		if err := conv.UnmarshalBinary(data); err != nil {
			return err
		}
		for _, pid := range conv.ParticipantIDs {
			users = append(users, s.userInTx(tx, pid))
		}
		return nil
	})
	return users, err
}

func (s *BboltStore) FetchMessages(ctx context.Context, conversationID, userID string, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}
		return convBucket.ForEach(func(_, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toMessage(dbMsg))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *BboltStore) InsertMessage(ctx context.Context, in InsertMessageInput) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var inserted models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convData := tx.Bucket(bucketConversations).Get([]byte(in.ConversationID))
		if convData == nil {
			return models.ErrNotFound
		}

		now := s.now()
		dbMsg := DBMessage{
			ID:             uuid.NewString(),
			ConversationID: in.ConversationID,
			SenderID:       in.SenderID,
			Content:        in.Content,
			Type:           string(in.Type),
			MediaURL:       in.MediaURL,
			ThumbnailURL:   in.ThumbnailURL,
			Duration:       in.Duration,
			SharedPostID:   in.SharedPostID,
			SharedReelID:   in.SharedReelID,
			CreatedAt:      now.UnixNano(),
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(in.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}

		ref := &DBMessageRef{ConversationID: in.ConversationID, MessageKey: dbMsg.Key()}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageRefs).Put([]byte(dbMsg.ID), refData); err != nil {
			return err
		}

		var conv DBConversation
		if err := conv.UnmarshalBinary(convData); err != nil {
			return err
		}
		conv.UpdatedAt = now.UnixNano()
		convData, err = conv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConversations).Put(conv.Key(), convData); err != nil {
			return err
		}

		inserted = toMessage(dbMsg)
		return nil
	})
	return inserted, err
}

func (s *BboltStore) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	updated := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}
		cur := convBucket.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.SenderID == userID || dbMsg.IsRead {
				continue
			}
			dbMsg.IsRead = true
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := convBucket.Put(k, data); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, err
}

func (s *BboltStore) SoftDeleteMessage(ctx context.Context, messageID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutateMessage(messageID, func(dbMsg *DBMessage) error {
		if dbMsg.SenderID != userID {
			return models.ErrNotSender
		}
		dbMsg.IsDeleted = true
		dbMsg.DeletedAt = s.now().UnixNano()
		dbMsg.Content = models.DeletedPlaceholder
		return nil
	})
}

func (s *BboltStore) EditMessage(ctx context.Context, messageID, newContent, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutateMessage(messageID, func(dbMsg *DBMessage) error {
		if dbMsg.SenderID != userID {
			return models.ErrNotSender
		}
		if dbMsg.IsDeleted {
			return models.ErrNotFound
		}
		dbMsg.Content = newContent
		dbMsg.IsEdited = true
		dbMsg.EditedAt = s.now().UnixNano()
		return nil
	})
}

func (s *BboltStore) mutateMessage(messageID string, mutate func(*DBMessage) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		refData := tx.Bucket(bucketMessageRefs).Get([]byte(messageID))
		if refData == nil {
			return models.ErrNotFound
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(refData); err != nil {
			return err
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
		if convBucket == nil {
			return models.ErrNotFound
		}
		data := convBucket.Get(ref.MessageKey)
		if data == nil {
			return models.ErrNotFound
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return err
		}
		if err := mutate(&dbMsg); err != nil {
			return err
		}
		updated, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		return convBucket.Put(ref.MessageKey, updated)
	})
}

func (s *BboltStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.Online = online
		dbUser.LastSeen = lastSeen.UnixNano()
		updated, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), updated)
	})
}

func (s *BboltStore) FetchPresence(ctx context.Context) ([]models.PresenceUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var users []models.PresenceUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, models.PresenceUser{
				UserID:   dbUser.ID,
				Username: dbUser.Username,
				Online:   dbUser.Online,
				LastSeen: time.Unix(0, dbUser.LastSeen),
			})
			return nil
		})
	})
	return users, err
}

func (s *BboltStore) userInTx(tx *bbolt.Tx, userID string) models.User {
	data := tx.Bucket(bucketUsers).Get([]byte(userID))
	if data == nil {
		return models.User{ID: userID}
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return models.User{ID: userID}
	}
	return toUser(dbUser)
}

func toUser(u DBUser) models.User {
	return models.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

func toMessage(m DBMessage) models.Message {
	msg := models.Message{
		ID:             models.ConfirmedID(m.ID),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           models.MessageType(m.Type),
		MediaURL:       m.MediaURL,
		ThumbnailURL:   m.ThumbnailURL,
		Duration:       m.Duration,
		SharedPostID:   m.SharedPostID,
		SharedReelID:   m.SharedReelID,
		CreatedAt:      time.Unix(0, m.CreatedAt),
		IsRead:         m.IsRead,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
	}
	if m.IsEdited {
		msg.EditedAt = time.Unix(0, m.EditedAt)
	}
	if m.IsDeleted {
		msg.DeletedAt = time.Unix(0, m.DeletedAt)
	}
	return msg
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
