package realtime

import (
	"context"
	"sort"
	"sync"
)

const (
	memMaxMessagesPerPair = 10_000
)

// InMemoryStore is a dev-only fallback when no database is configured.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	pairs  map[pairKey][]StoredMessage // ordered by append
}

// pairKey is the unordered (lo, hi) pair of participants.
type pairKey struct{ lo, hi int64 }

func newPairKey(a, b int64) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{pairs: make(map[pairKey][]StoredMessage)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage stores a message and assigns the next id.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error) {
	if err := in.validate(); err != nil {
		return StoredMessage{}, storageErr("append", false, err)
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, storageErr("append", false, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg := StoredMessage{
		ID:         s.nextID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		Timestamp:  appendTime(in),
	}

	k := newPairKey(in.SenderID, in.ReceiverID)
	msgs := append(s.pairs[k], msg)
	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerPair {
		msgs = msgs[len(msgs)-memMaxMessagesPerPair:]
	}
	s.pairs[k] = msgs

	return msg, nil
}

// FetchConversation returns the pair's messages ordered by timestamp ASC.
func (s *InMemoryStore) FetchConversation(ctx context.Context, in FetchConversationInput) ([]StoredMessage, error) {
	if err := in.validate(); err != nil {
		return nil, storageErr("fetch", false, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("fetch", false, err)
	}

	s.mu.Lock()
	snap := append([]StoredMessage(nil), s.pairs[newPairKey(in.UserID, in.ContactID)]...)
	s.mu.Unlock()

	sort.SliceStable(snap, func(i, j int) bool { return snap[i].Timestamp.Before(snap[j].Timestamp) })
	return tail(snap, in.Limit), nil
}

// Contacts returns everyone userID exchanged messages with, most recent first.
func (s *InMemoryStore) Contacts(ctx context.Context, userID int64) ([]Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("contacts", false, err)
	}

	s.mu.Lock()
	out := make([]Contact, 0, 8)
	for k, msgs := range s.pairs {
		if len(msgs) == 0 {
			continue
		}
		var other int64
		switch userID {
		case k.lo:
			other = k.hi
		case k.hi:
			other = k.lo
		default:
			continue
		}
		last := msgs[0].Timestamp
		for _, m := range msgs[1:] {
			if m.Timestamp.After(last) {
				last = m.Timestamp
			}
		}
		out = append(out, Contact{UserID: other, LastMessageAt: last})
	}
	s.mu.Unlock()

	sortContacts(out)
	return out, nil
}

func sortContacts(cs []Contact) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].LastMessageAt.Equal(cs[j].LastMessageAt) {
			return cs[i].LastMessageAt.After(cs[j].LastMessageAt)
		}
		return cs[i].UserID < cs[j].UserID
	})
}
