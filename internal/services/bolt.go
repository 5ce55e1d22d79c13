package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/medcortex/records-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the conversation archive using a BoltDB backend. Completed chat
// turns are written through here per patient profile, so past conversations stay
// browsable after the active transcript is reset by a profile switch.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes
// the database with required buckets and returns an error if the database cannot be
// opened or initialized. The database file is created with 0600 permissions if it
// doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("conversations"))
		return err
	})

	return BoltDB{db: db}, err
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

// Conversations retrieves the archived conversations of one patient profile in
// reverse chronological order.
func (b BoltDB) Conversations(_ context.Context, patientID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("conversations"))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.PatientID == patientID {
				conversations = append(conversations, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(conversations)
	return conversations, nil
}

// AddConversation stores a new conversation record and creates its message bucket. It
// generates a unique ID for the conversation by combining a sequence number with the
// conversation's original ID, and returns the new ID or an error if the operation
// fails.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("conversations"))
		if b == nil {
			return nil
		}

		idPrefix, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, conv.ID)
		conv.ID = newID

		_, err = tx.CreateBucketIfNotExists(messageBucketName(conv.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return b.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateConversation modifies an existing conversation record, typically to set its
// generated title. Fields the caller leaves zero keep their stored values, so a title
// update doesn't wipe the conversation's start time. If the conversation doesn't
// exist, the operation is silently ignored.
func (b BoltDB) UpdateConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("conversations"))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(conv.ID))
		if v == nil {
			return nil
		}

		var stored models.Conversation
		if err := json.Unmarshal(v, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		if conv.StartedAt.IsZero() {
			conv.StartedAt = stored.StartedAt
		}
		if conv.PatientID == "" {
			conv.PatientID = stored.PatientID
		}
		if conv.Title == "" {
			conv.Title = stored.Title
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return b.Put([]byte(conv.ID), v)
	})
}

// Messages retrieves all messages of the specified conversation in their stored
// order.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(conversationID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage stores a new message in the specified conversation's bucket. The stored
// key is the message's own ID prefixed with a sequence number to keep insertion
// order; the message ID itself is left untouched so later UpdateMessage calls from
// the streaming path can find it.
func (b BoltDB) AddMessage(_ context.Context, conversationID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(conversationID))
		if b == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		idPrefix, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		return b.Put([]byte(fmt.Sprintf("%d-%s", idPrefix, message.ID)), v)
	})
}

// UpdateMessage rewrites an already stored message, matching it by message ID. If the
// message doesn't exist, the operation is silently ignored.
func (b BoltDB) UpdateMessage(_ context.Context, conversationID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(conversationID))
		if b == nil {
			return nil
		}

		var key []byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var stored models.Message
			if err := json.Unmarshal(v, &stored); err != nil {
				continue
			}
			if stored.ID == message.ID {
				key = k
				break
			}
		}
		if key == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return b.Put(key, v)
	})
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
