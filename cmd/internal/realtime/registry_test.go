package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type fakeChannel struct {
	id int64

	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	closed  bool
	code    websocket.StatusCode
	reason  string
	sends   int
}

func newFakeChannel(id int64) *fakeChannel { return &fakeChannel{id: id} }

func (c *fakeChannel) UserID() int64 { return c.id }

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return ErrChannelClosed
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeChannel) Close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed, c.code, c.reason = true, code, reason
}

func (c *fakeChannel) failWith(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeChannel) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *fakeChannel) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func (c *fakeChannel) closeStatus() (bool, websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code, c.reason
}

func TestRegistry_RegisterRemoveLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a, b := newFakeChannel(1), newFakeChannel(2)

	if prev := r.Register(1, a); prev != nil {
		t.Fatalf("first register: expected no previous channel, got %v", prev)
	}
	r.Register(2, b)

	if ch, ok := r.Lookup(1); !ok || ch != a {
		t.Fatalf("lookup 1: got %v ok=%v", ch, ok)
	}

	r.Remove(1)
	r.Remove(1) // no-op
	r.Remove(42)

	if _, ok := r.Lookup(1); ok {
		t.Fatalf("lookup 1 after remove: expected absent")
	}
	if got := r.OnlineUserIDs(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("online ids: got %v want [2]", got)
	}
}

func TestRegistry_LastRegisterWins(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first, second := newFakeChannel(7), newFakeChannel(7)

	r.Register(7, first)
	prev := r.Register(7, second)
	if prev != first {
		t.Fatalf("expected superseded channel to be returned")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", r.Len())
	}
	if ch, _ := r.Lookup(7); ch != second {
		t.Fatalf("expected entry to point at the second channel")
	}

	// Re-registering the same channel reports nothing superseded.
	if prev := r.Register(7, second); prev != nil {
		t.Fatalf("re-register same channel: expected nil, got %v", prev)
	}
}

func TestRegistry_ReleaseOnlyMatchingChannel(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	stale, current := newFakeChannel(3), newFakeChannel(3)
	r.Register(3, stale)
	r.Register(3, current)

	if r.Release(3, stale) {
		t.Fatalf("release of a superseded channel must not evict its replacement")
	}
	if ch, ok := r.Lookup(3); !ok || ch != current {
		t.Fatalf("expected current channel to remain registered")
	}
	if !r.Release(3, current) {
		t.Fatalf("release of the current channel should succeed")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_SnapshotIsSortedCopy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, id := range []int64{5, 1, 3} {
		r.Register(id, newFakeChannel(id))
	}

	snap := r.Snapshot()
	r.Remove(1)

	if len(snap) != 3 {
		t.Fatalf("snapshot must not observe later mutations, got %d entries", len(snap))
	}
	for i, want := range []int64{1, 3, 5} {
		if snap[i].UserID != want {
			t.Fatalf("snapshot[%d]: got %d want %d", i, snap[i].UserID, want)
		}
	}
}

func TestRegistry_ConcurrentRegisterRemove(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	const users = 64

	var wg sync.WaitGroup
	for i := int64(1); i <= users; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ch := newFakeChannel(id)
				r.Register(id, ch)
				_ = r.Snapshot()
				if j%2 == 0 {
					r.Release(id, ch)
				}
			}
		}(i)
	}
	wg.Wait()

	// The last iteration (j=49) registers without releasing.
	if got := r.Len(); got != users {
		t.Fatalf("expected %d entries, got %d", users, got)
	}
}

func TestClient_SendBoundedAndClosed(t *testing.T) {
	t.Parallel()

	c := NewClient(1, "alice", NewSessionID(time.Time{}), wsMinSendQueueSize)
	for i := 0; i < wsMinSendQueueSize; i++ {
		if err := c.Send([]byte("x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := c.Send([]byte("overflow")); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected ErrSendQueueFull, got %v", err)
	}

	c.Close(websocket.StatusPolicyViolation, "first")
	c.Close(websocket.StatusNormalClosure, "second")

	if err := c.Send([]byte("late")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	code, reason := c.CloseStatus()
	if code != websocket.StatusPolicyViolation || reason != "first" {
		t.Fatalf("first close must win: got %d %q", code, reason)
	}
}
