package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

// storeFactories lists every MessageStore that runs without external services.
func storeFactories(t *testing.T) map[string]func(t *testing.T) MessageStore {
	t.Helper()
	return map[string]func(t *testing.T) MessageStore{
		"memory": func(t *testing.T) MessageStore { return NewInMemoryStore() },
		"badger": func(t *testing.T) MessageStore {
			st, err := NewBadgerStore("", discardLogger())
			if err != nil {
				t.Fatalf("NewBadgerStore: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"badger_on_disk": func(t *testing.T) MessageStore {
			st, err := NewBadgerStore(t.TempDir(), discardLogger())
			if err != nil {
				t.Fatalf("NewBadgerStore: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func TestMessageStores_AppendAndFetchConversation(t *testing.T) {
	t.Parallel()

	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			st := newStore(t)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			inputs := []AppendMessageInput{
				{SenderID: 1, ReceiverID: 2, Content: "hi bob", Now: base},
				{SenderID: 2, ReceiverID: 1, Content: "hi alice", Now: base.Add(time.Second)},
				{SenderID: 1, ReceiverID: 3, Content: "hi carol", Now: base.Add(2 * time.Second)},
				{SenderID: 1, ReceiverID: 2, Content: "how are you?", Now: base.Add(3 * time.Second)},
			}
			ids := map[int64]bool{}
			for _, in := range inputs {
				m, err := st.AppendMessage(ctx, in)
				if err != nil {
					t.Fatalf("append %q: %v", in.Content, err)
				}
				if m.ID <= 0 || ids[m.ID] {
					t.Fatalf("append %q: expected a fresh positive id, got %d", in.Content, m.ID)
				}
				ids[m.ID] = true
				if !m.Timestamp.Equal(in.Now) {
					t.Fatalf("append %q: timestamp %v want %v", in.Content, m.Timestamp, in.Now)
				}
			}

			msgs, err := st.FetchConversation(ctx, FetchConversationInput{UserID: 2, ContactID: 1})
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			want := []string{"hi bob", "hi alice", "how are you?"}
			if len(msgs) != len(want) {
				t.Fatalf("fetch: got %d messages want %d", len(msgs), len(want))
			}
			for i, w := range want {
				if msgs[i].Content != w {
					t.Fatalf("fetch[%d]: got %q want %q", i, msgs[i].Content, w)
				}
			}

			last, err := st.FetchConversation(ctx, FetchConversationInput{UserID: 1, ContactID: 2, Limit: 2})
			if err != nil {
				t.Fatalf("fetch limit: %v", err)
			}
			if len(last) != 2 || last[0].Content != "hi alice" || last[1].Content != "how are you?" {
				t.Fatalf("fetch limit: unexpected window %+v", last)
			}

			none, err := st.FetchConversation(ctx, FetchConversationInput{UserID: 2, ContactID: 3})
			if err != nil {
				t.Fatalf("fetch empty: %v", err)
			}
			if len(none) != 0 {
				t.Fatalf("fetch empty: expected no messages, got %d", len(none))
			}
		})
	}
}

func TestMessageStores_ContactsOrderedByLastMessage(t *testing.T) {
	t.Parallel()

	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			st := newStore(t)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			for _, in := range []AppendMessageInput{
				{SenderID: 1, ReceiverID: 2, Content: "a", Now: base},
				{SenderID: 3, ReceiverID: 1, Content: "b", Now: base.Add(time.Minute)},
				{SenderID: 1, ReceiverID: 4, Content: "c", Now: base.Add(2 * time.Minute)},
				{SenderID: 2, ReceiverID: 1, Content: "d", Now: base.Add(3 * time.Minute)},
			} {
				if _, err := st.AppendMessage(ctx, in); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			contacts, err := st.Contacts(ctx, 1)
			if err != nil {
				t.Fatalf("contacts: %v", err)
			}
			wantIDs := []int64{2, 4, 3}
			if len(contacts) != len(wantIDs) {
				t.Fatalf("contacts: got %d want %d", len(contacts), len(wantIDs))
			}
			for i, id := range wantIDs {
				if contacts[i].UserID != id {
					t.Fatalf("contacts[%d]: got %d want %d", i, contacts[i].UserID, id)
				}
			}
			if !contacts[0].LastMessageAt.Equal(base.Add(3 * time.Minute)) {
				t.Fatalf("contacts[0] last message: got %v", contacts[0].LastMessageAt)
			}

			others, err := st.Contacts(ctx, 4)
			if err != nil {
				t.Fatalf("contacts 4: %v", err)
			}
			if len(others) != 1 || others[0].UserID != 1 {
				t.Fatalf("contacts 4: unexpected %+v", others)
			}
		})
	}
}

func TestMessageStores_InvalidInputIsFatal(t *testing.T) {
	t.Parallel()

	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			st := newStore(t)
			_, err := st.AppendMessage(context.Background(), AppendMessageInput{SenderID: 0, ReceiverID: 2, Content: "x"})
			var se *StorageError
			if !errors.As(err, &se) {
				t.Fatalf("expected *StorageError, got %T %v", err, err)
			}
			if IsTransient(err) {
				t.Fatalf("invalid input must not be transient")
			}
		})
	}
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	st, err := NewBadgerStore(dir, discardLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := st.AppendMessage(ctx, AppendMessageInput{SenderID: 1, ReceiverID: 2, Content: "kept"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = NewBadgerStore(dir, discardLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st.Close() }()

	msgs, err := st.FetchConversation(ctx, FetchConversationInput{UserID: 1, ContactID: 2})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "kept" || msgs[0].ID != first.ID {
		t.Fatalf("unexpected messages after reopen: %+v", msgs)
	}

	second, err := st.AppendMessage(ctx, AppendMessageInput{SenderID: 2, ReceiverID: 1, Content: "next"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("ids must keep increasing across reopen: first=%d second=%d", first.ID, second.ID)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"fatal storage", &StorageError{Op: "append", Err: errors.New("x")}, false},
		{"transient storage", &StorageError{Op: "append", Transient: true, Err: errors.New("x")}, true},
		{"wrapped transient", errors.Join(errors.New("ctx"), &StorageError{Transient: true, Err: errors.New("x")}), true},
	}
	for _, tc := range tests {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
