package realtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when TEXTER_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_AppendFetchContacts(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewPostgresTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i, in := range []AppendMessageInput{
		{SenderID: 10, ReceiverID: 20, Content: "first", Now: base},
		{SenderID: 20, ReceiverID: 10, Content: "second", Now: base.Add(time.Second)},
		{SenderID: 10, ReceiverID: 30, Content: "other pair", Now: base.Add(2 * time.Second)},
		{SenderID: 10, ReceiverID: 20, Content: "third", Now: base.Add(3 * time.Second)},
	} {
		m, err := store.AppendMessage(ctx, in)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.ID <= 0 || !m.Timestamp.Equal(in.Now) {
			t.Fatalf("append %d: unexpected stored message %+v", i, m)
		}
	}

	msgs, err := store.FetchConversation(ctx, FetchConversationInput{UserID: 20, ContactID: 10})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got := make([]string, 0, len(msgs))
	for _, m := range msgs {
		got = append(got, m.Content)
	}
	if strings.Join(got, ",") != "first,second,third" {
		t.Fatalf("fetch order: got %v", got)
	}

	recent, err := store.FetchConversation(ctx, FetchConversationInput{UserID: 10, ContactID: 20, Limit: 1})
	if err != nil {
		t.Fatalf("fetch limit: %v", err)
	}
	if len(recent) != 1 || recent[0].Content != "third" {
		t.Fatalf("fetch limit: got %+v", recent)
	}

	contacts, err := store.Contacts(ctx, 10)
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if len(contacts) != 2 || contacts[0].UserID != 20 || contacts[1].UserID != 30 {
		t.Fatalf("contacts: got %+v", contacts)
	}
}

func TestPostgresStore_ContentTooLongIsFatal(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewPostgresTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := store.AppendMessage(ctx, AppendMessageInput{SenderID: 1, ReceiverID: 2, Content: strings.Repeat("x", 1001)})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %T %v", err, err)
	}
	if se.Transient {
		t.Fatalf("constraint violations must not be transient")
	}
}

func TestPostgresStore_ConcurrentAppend_UniqueIDs(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewPostgresTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const n = 40
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[int64]struct{}, n)
	)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := store.AppendMessage(ctx, AppendMessageInput{SenderID: 1, ReceiverID: 2, Content: "burst"})
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			ids[m.ID] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("expected %d unique ids, got %d", n, len(ids))
	}
}

func TestIsTransientPG(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"string too long", &pgconn.PgError{Code: "22001"}, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"ctx canceled", context.Canceled, false},
		{"no rows", pgx.ErrNoRows, false},
	}
	for _, tc := range tests {
		if got := isTransientPG(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEXTER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEXTER_TEST_DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

// mustNewPostgresTestStore creates a throwaway schema and applies the store's own DDL.
func mustNewPostgresTestStore(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()

	schema := "texter_it_" + strings.ToLower(NewSessionID(time.Now())[16:])
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store
}
