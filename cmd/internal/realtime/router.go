package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "texter/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
)

// Session is the authenticated side of one connection as seen by the router.
type Session struct {
	UserID   int64
	Username string
	Channel  Channel
}

// Receiver yields inbound payloads in arrival order.
// Any error is terminal; gateway receivers wrap it with ErrDisconnected.
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// RouterConfig tunes per-connection limits. Zero values fall back to defaults.
type RouterConfig struct {
	StoreRetryMax    int
	RateEvents       int
	TypingRateEvents int
	RateWindow       time.Duration
}

// Router runs the per-connection dispatch loop.
type Router struct {
	log      *slog.Logger
	registry *Registry
	store    MessageStore
	metrics  *Metrics

	retryMax         int
	rateEvents       int
	typingRateEvents int
	rateWindow       time.Duration

	now func() time.Time
}

// NewRouter constructs a Router. When store is nil it falls back to an in-memory store for dev.
func NewRouter(log *slog.Logger, registry *Registry, store MessageStore, metrics *Metrics, cfg RouterConfig) *Router {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if cfg.StoreRetryMax < 0 {
		cfg.StoreRetryMax = 0
	} else if cfg.StoreRetryMax == 0 {
		cfg.StoreRetryMax = storeRetryMax
	}
	return &Router{
		log:        log,
		registry:   registry,
		store:      store,
		metrics:    metrics,
		retryMax:         cfg.StoreRetryMax,
		rateEvents:       cfg.RateEvents,
		typingRateEvents: orDefaultInt(cfg.TypingRateEvents, typingRateLimitEvents),
		rateWindow:       cfg.RateWindow,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Relay processes frames from rx strictly in arrival order until rx fails or a
// frame is fatal for the connection. It always returns a non-nil error:
//   - the Receiver's error (wrapping ErrDisconnected) on disconnect
//   - ErrRateLimited when the sender exceeded its chat/unsupported budget
//   - an error wrapping ErrStorage when a chat message could not be persisted
//
// Typing frames draw from a separate budget. Over budget, repeats of the last
// relayed state are dropped silently; a state change is always relayed.
func (r *Router) Relay(ctx context.Context, sess Session, rx Receiver) error {
	rl := NewRateLimiter(r.rateEvents, r.rateWindow)
	typing := typingThrottle{
		rl:   NewRateLimiter(r.typingRateEvents, r.rateWindow),
		last: make(map[int64]bool),
	}

	for {
		data, err := rx.Receive(ctx)
		if err != nil {
			return err
		}

		frame := ParseFrame(data)
		r.metrics.frame(frame.kind())

		if f, ok := frame.(TypingFrame); ok {
			if !typing.allow(f, r.now()) {
				r.metrics.throttledFrame(v1.TypeTyping)
				continue
			}
			r.relayTyping(sess, f)
			continue
		}

		if !rl.Allow(r.now()) {
			r.reply(sess, v1.CodeRateLimited, "too many frames")
			return ErrRateLimited
		}

		switch f := frame.(type) {
		case ChatFrame:
			if err := r.relayChat(ctx, sess, f); err != nil {
				return err
			}

		case UnsupportedFrame:
			r.log.Debug("ws.frame.unsupported", "user_id", sess.UserID, "reason", f.Reason)
			r.reply(sess, v1.CodeUnsupportedFrame, f.Reason)
		}
	}
}

// typingThrottle remembers the last relayed state per receiver so a throttled
// sender can never leave a stale "typing" indicator behind.
type typingThrottle struct {
	rl   *RateLimiter
	last map[int64]bool
}

func (t *typingThrottle) allow(f TypingFrame, now time.Time) bool {
	prev, seen := t.last[f.ReceiverID]
	if !t.rl.Allow(now) && seen && prev == f.IsTyping {
		return false
	}
	t.last[f.ReceiverID] = f.IsTyping
	return true
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (r *Router) relayTyping(sess Session, f TypingFrame) {
	ch, ok := r.registry.Lookup(f.ReceiverID)
	if !ok {
		return
	}
	b, err := encodeTyping(sess.UserID, f.IsTyping)
	if err != nil {
		r.log.Error("ws.typing.encode.fail", "err", err)
		return
	}
	err = ch.Send(b)
	r.metrics.delivery(v1.TypeTyping, err)
	if err != nil {
		r.log.Debug("ws.typing.drop", "sender_id", sess.UserID, "receiver_id", f.ReceiverID, "err", err)
	}
}

// relayChat persists first; live delivery is attempted only after the append succeeded.
func (r *Router) relayChat(ctx context.Context, sess Session, f ChatFrame) error {
	stored, err := r.appendWithRetry(ctx, AppendMessageInput{
		SenderID:   sess.UserID,
		ReceiverID: f.ReceiverID,
		Content:    f.Content,
		Now:        r.now(),
	})
	if err != nil {
		r.metrics.storageFailure()
		r.log.Error("ws.chat.persist.fail", "sender_id", sess.UserID, "receiver_id", f.ReceiverID, "err", err)
		r.reply(sess, v1.CodeStorageUnavailable, "message could not be stored")
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	ch, ok := r.registry.Lookup(f.ReceiverID)
	if !ok {
		return nil
	}
	b, err := encodeChat(sess.Username, stored)
	if err != nil {
		r.log.Error("ws.chat.encode.fail", "err", err)
		return nil
	}
	err = ch.Send(b)
	r.metrics.delivery(v1.TypeChat, err)
	if err != nil {
		r.log.Info("ws.chat.deliver.fail", "message_id", stored.ID, "receiver_id", f.ReceiverID, "err", err)
	}
	return nil
}

func (r *Router) appendWithRetry(ctx context.Context, in AppendMessageInput) (StoredMessage, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = storeRetryInitial
	eb.MaxInterval = storeRetryCeiling
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.retryMax)), ctx)

	var out StoredMessage
	op := func() error {
		m, err := r.store.AppendMessage(ctx, in)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.storageRetry()
		r.log.Warn("ws.chat.persist.retry", "sender_id", in.SenderID, "wait_ms", wait.Milliseconds(), "err", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return StoredMessage{}, err
	}
	return out, nil
}

// reply enqueues an error frame for the sender; a full queue drops it.
func (r *Router) reply(sess Session, code, msg string) {
	err := sess.Channel.Send(encodeError(code, msg))
	r.metrics.delivery(v1.TypeError, err)
}
