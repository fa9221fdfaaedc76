package realtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerSeqBandwidth = 128

// BadgerStore is an embedded MessageStore for single-node deployments.
//
// Key layout:
//   - msg:{lo}:{hi}:{unix_nano}:{id}  -> JSON StoredMessage (lo/hi are the ordered pair)
//   - contact:{user}:{other}           -> last message unix nano (big endian)
//
// Every number is zero padded to 19 digits so lexicographic order matches numeric order
// and a prefix scan over msg:{lo}:{hi}: yields the pair's history by time.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// NewBadgerStore opens (or creates) a store at path. An empty path keeps everything in memory.
func NewBadgerStore(path string, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log.With("component", "badger")})
	if strings.TrimSpace(path) == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("realtime: open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq:messages"), badgerSeqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("realtime: badger sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq, log: log}, nil
}

// Close releases unused sequence ids and closes the database.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.seq.Release(); err != nil {
		s.log.Warn("badger.seq.release.fail", "err", err)
	}
	return s.db.Close()
}

// AppendMessage stores the message and bumps both participants' contact entries.
func (s *BadgerStore) AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error) {
	if s == nil || s.db == nil {
		return StoredMessage{}, storageErr("append", false, errNilStore)
	}
	if err := in.validate(); err != nil {
		return StoredMessage{}, storageErr("append", false, err)
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, storageErr("append", false, err)
	}

	n, err := s.seq.Next()
	if err != nil {
		return StoredMessage{}, badgerStorageErr("append", err)
	}

	msg := StoredMessage{
		ID:         int64(n) + 1,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		Timestamp:  appendTime(in),
	}
	val, err := json.Marshal(msg)
	if err != nil {
		return StoredMessage{}, storageErr("append", false, err)
	}

	at := make([]byte, 8)
	binary.BigEndian.PutUint64(at, uint64(msg.Timestamp.UnixNano()))

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg), val); err != nil {
			return err
		}
		if err := bumpContact(txn, msg.SenderID, msg.ReceiverID, at); err != nil {
			return err
		}
		if msg.SenderID == msg.ReceiverID {
			return nil
		}
		return bumpContact(txn, msg.ReceiverID, msg.SenderID, at)
	})
	if err != nil {
		return StoredMessage{}, badgerStorageErr("append", err)
	}
	return msg, nil
}

// FetchConversation scans the pair prefix. With a limit it walks backwards from the newest key.
func (s *BadgerStore) FetchConversation(ctx context.Context, in FetchConversationInput) ([]StoredMessage, error) {
	if s == nil || s.db == nil {
		return nil, storageErr("fetch", false, errNilStore)
	}
	if err := in.validate(); err != nil {
		return nil, storageErr("fetch", false, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("fetch", false, err)
	}

	k := newPairKey(in.UserID, in.ContactID)
	prefix := []byte(fmt.Sprintf("msg:%019d:%019d:", k.lo, k.hi))

	var out []StoredMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = in.Limit > 0
		it := txn.NewIterator(opts)
		defer it.Close()

		start := prefix
		if opts.Reverse {
			start = append(append([]byte(nil), prefix...), 0xff)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if in.Limit > 0 && len(out) == in.Limit {
				break
			}
			var m StoredMessage
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, badgerStorageErr("fetch", err)
	}

	if in.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Contacts returns userID's contact entries ordered by last message, newest first.
func (s *BadgerStore) Contacts(ctx context.Context, userID int64) ([]Contact, error) {
	if s == nil || s.db == nil {
		return nil, storageErr("contacts", false, errNilStore)
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("contacts", false, err)
	}

	prefix := []byte(fmt.Sprintf("contact:%019d:", userID))
	var out []Contact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var other int64
			if _, err := fmt.Sscanf(string(item.Key()[len(prefix):]), "%d", &other); err != nil {
				return fmt.Errorf("bad contact key %q: %w", item.Key(), err)
			}
			var nano uint64
			if err := item.Value(func(v []byte) error {
				if len(v) != 8 {
					return errors.New("bad contact value")
				}
				nano = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
			out = append(out, Contact{UserID: other, LastMessageAt: time.Unix(0, int64(nano)).UTC()})
		}
		return nil
	})
	if err != nil {
		return nil, badgerStorageErr("contacts", err)
	}

	sortContacts(out)
	return out, nil
}

func msgKey(m StoredMessage) []byte {
	k := newPairKey(m.SenderID, m.ReceiverID)
	return []byte(fmt.Sprintf("msg:%019d:%019d:%019d:%019d", k.lo, k.hi, m.Timestamp.UnixNano(), m.ID))
}

// bumpContact keeps the newest timestamp; out-of-order appends never move it backwards.
func bumpContact(txn *badger.Txn, user, other int64, at []byte) error {
	key := []byte(fmt.Sprintf("contact:%019d:%019d", user, other))
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		newer := false
		if err := item.Value(func(v []byte) error {
			newer = len(v) == 8 && binary.BigEndian.Uint64(v) >= binary.BigEndian.Uint64(at)
			return nil
		}); err != nil {
			return err
		}
		if newer {
			return nil
		}
	}
	return txn.Set(key, at)
}

// badgerStorageErr treats transaction conflicts as transient; everything else is fatal.
func badgerStorageErr(op string, err error) error {
	return storageErr(op, errors.Is(err, badger.ErrConflict), err)
}

// badgerLogger routes badger's printf-style logs into slog.
type badgerLogger struct{ log *slog.Logger }

func (l badgerLogger) Errorf(f string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(f, args...)))
}

func (l badgerLogger) Warningf(f string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, args...)))
}

func (l badgerLogger) Infof(f string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, args...)))
}

func (l badgerLogger) Debugf(f string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, args...)))
}
