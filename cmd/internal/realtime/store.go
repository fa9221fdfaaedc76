package realtime

import (
	"context"
	"time"
)

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Content    string
	Timestamp  time.Time
}

// Contact is a user the queried user exchanged at least one message with.
type Contact struct {
	UserID        int64
	LastMessageAt time.Time
}

// MessageStore persists and queries direct messages.
//
// Requirements:
//   - AppendMessage assigns a unique id and a timestamp
//   - FetchConversation returns both directions of a pair ordered by timestamp ASC
//   - Contacts is ordered by the last exchanged message, newest first
//   - Failures are reported as *StorageError so callers can tell transient from fatal
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error)
	FetchConversation(ctx context.Context, in FetchConversationInput) ([]StoredMessage, error)
	Contacts(ctx context.Context, userID int64) ([]Contact, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	SenderID   int64
	ReceiverID int64
	Content    string
	Now        time.Time
}

// FetchConversationInput describes a history query between two users.
// Limit > 0 keeps only the most recent Limit messages (still ascending).
type FetchConversationInput struct {
	UserID    int64
	ContactID int64
	Limit     int
}

func (in AppendMessageInput) validate() error {
	if in.SenderID <= 0 || in.ReceiverID <= 0 {
		return errInvalidParticipants
	}
	if in.Content == "" {
		return errEmptyContent
	}
	return nil
}

func (in FetchConversationInput) validate() error {
	if in.UserID <= 0 || in.ContactID <= 0 {
		return errInvalidParticipants
	}
	return nil
}

func appendTime(in AppendMessageInput) time.Time {
	if in.Now.IsZero() {
		return time.Now().UTC()
	}
	return in.Now.UTC()
}

// tail keeps the last n messages when n > 0.
func tail(msgs []StoredMessage, n int) []StoredMessage {
	if n > 0 && len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}
