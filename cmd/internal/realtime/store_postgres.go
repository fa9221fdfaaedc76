// Package realtime contains texter's websocket gateway, connection registry,
// message router, presence broadcaster and message persistence.
package realtime

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "texter").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "texter",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the messages table and its pair index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errNilStore
	}
	messages := pgIdent(s.schema, "messages")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		    id          BIGSERIAL PRIMARY KEY,
		    sender_id   BIGINT NOT NULL,
		    receiver_id BIGINT NOT NULL,
		    content     VARCHAR(1000) NOT NULL,
		    sent_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_pair_sent_at_idx ON ` + messages + `
		    (LEAST(sender_id, receiver_id), GREATEST(sender_id, receiver_id), sent_at)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return pgStorageErr("ensure_schema", err)
		}
	}
	return nil
}

// AppendMessage inserts one message; id and timestamp come back from the row.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, storageErr("append", false, errNilStore)
	}
	if err := in.validate(); err != nil {
		return StoredMessage{}, storageErr("append", false, err)
	}

	out := StoredMessage{SenderID: in.SenderID, ReceiverID: in.ReceiverID, Content: in.Content}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "messages")+` (sender_id, receiver_id, content, sent_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, sent_at`,
		in.SenderID, in.ReceiverID, in.Content, appendTime(in),
	).Scan(&out.ID, &out.Timestamp)
	if err != nil {
		return StoredMessage{}, pgStorageErr("append", err)
	}
	out.Timestamp = out.Timestamp.UTC()
	return out, nil
}

// FetchConversation returns both directions of the pair ordered by sent_at ASC.
func (s *PostgresStore) FetchConversation(ctx context.Context, in FetchConversationInput) ([]StoredMessage, error) {
	if s == nil || s.pool == nil {
		return nil, storageErr("fetch", false, errNilStore)
	}
	if err := in.validate(); err != nil {
		return nil, storageErr("fetch", false, err)
	}

	messages := pgIdent(s.schema, "messages")
	pair := `(sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)`

	var (
		rows pgx.Rows
		err  error
	)
	if in.Limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT id, sender_id, receiver_id, content, sent_at FROM (
			     SELECT id, sender_id, receiver_id, content, sent_at
			       FROM `+messages+`
			      WHERE `+pair+`
			      ORDER BY sent_at DESC, id DESC
			      LIMIT $3
			 ) recent
			 ORDER BY sent_at ASC, id ASC`,
			in.UserID, in.ContactID, in.Limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, sender_id, receiver_id, content, sent_at
			   FROM `+messages+`
			  WHERE `+pair+`
			  ORDER BY sent_at ASC, id ASC`,
			in.UserID, in.ContactID,
		)
	}
	if err != nil {
		return nil, pgStorageErr("fetch", err)
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, 32)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp); err != nil {
			return nil, pgStorageErr("fetch", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, pgStorageErr("fetch", err)
	}
	return msgs, nil
}

// Contacts returns the users userID exchanged messages with, newest conversation first.
func (s *PostgresStore) Contacts(ctx context.Context, userID int64) ([]Contact, error) {
	if s == nil || s.pool == nil {
		return nil, storageErr("contacts", false, errNilStore)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS contact_id,
		        MAX(sent_at) AS last_at
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE sender_id = $1 OR receiver_id = $1
		  GROUP BY contact_id
		  ORDER BY last_at DESC, contact_id ASC`,
		userID,
	)
	if err != nil {
		return nil, pgStorageErr("contacts", err)
	}
	defer rows.Close()

	out := make([]Contact, 0, 16)
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UserID, &c.LastMessageAt); err != nil {
			return nil, pgStorageErr("contacts", err)
		}
		c.LastMessageAt = c.LastMessageAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, pgStorageErr("contacts", err)
	}
	return out, nil
}

// pgStorageErr wraps err and marks connection loss, serialization conflicts
// and server shutdown as transient.
func pgStorageErr(op string, err error) error {
	return storageErr(op, isTransientPG(err), err)
}

func isTransientPG(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "53300": // too many connections
			return true
		case strings.HasPrefix(pgErr.Code, "57P0"): // admin/crash shutdown, cannot connect now
			return true
		}
	}
	return false
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
