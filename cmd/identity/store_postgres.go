package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store never closes it.
// Schema and table identifiers are validated and quoted.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	hasher Hasher
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "texter").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithHasher replaces DefaultHasher.
func WithHasher(h Hasher) PostgresOption {
	return func(s *PostgresStore) error {
		if h == nil {
			return fmt.Errorf("identity: nil hasher")
		}
		s.hasher = h
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
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
		return nil, fmt.Errorf("identity: nil pool")
	}
	if st.hasher == nil {
		st.hasher = DefaultHasher()
	}
	return st, nil
}

// EnsureSchema creates the users and user_credentials tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	users := s.table("users")
	creds := s.table("user_credentials")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + users + ` (
		    id            BIGSERIAL PRIMARY KEY,
		    username      TEXT NOT NULL,
		    username_norm TEXT NOT NULL,
		    first_name    TEXT NOT NULL DEFAULT '',
		    last_name     TEXT NOT NULL DEFAULT '',
		    email         TEXT NOT NULL,
		    email_norm    TEXT NOT NULL,
		    role          TEXT NOT NULL DEFAULT 'user',
		    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),

		    CONSTRAINT uq_users_username_norm UNIQUE (username_norm),
		    CONSTRAINT uq_users_email_norm UNIQUE (email_norm),
		    CONSTRAINT chk_users_role CHECK (role IN ('user', 'bot'))
		)`,
		`CREATE TABLE IF NOT EXISTS ` + creds + ` (
		    user_id       BIGINT PRIMARY KEY REFERENCES ` + users + `(id) ON DELETE CASCADE,
		    password_hash TEXT NOT NULL,
		    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("identity: ensure schema: %w", err)
		}
	}
	return nil
}

// CreateUser inserts the user and its credentials in one transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	n, err := in.normalize(op)
	if err != nil {
		return User{}, err
	}
	pwHash, err := s.hasher.Hash(n.Password)
	if err != nil {
		return User{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := User{
		Username:  n.Username,
		FirstName: n.FirstName,
		LastName:  n.LastName,
		Email:     n.Email,
		Role:      n.Role,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.table("users")+` (
		     username, username_norm, first_name, last_name, email, email_norm, role, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		   RETURNING id, created_at`,
		n.Username, n.usernameNorm, n.FirstName, n.LastName, n.Email, n.emailNorm, n.Role, n.Now,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("user_credentials")+` (user_id, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)`,
		out.ID, pwHash, n.Now,
	); err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

const userColumns = `id, username, first_name, last_name, email, role, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &u.Role, &u.CreatedAt); err != nil {
		return User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const op = "identity.GetUserByUsername"

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.table("users")+` WHERE username_norm = $1`,
		NormalizeUsername(username),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return u, err
}

func (s *PostgresStore) UserIDByUsername(ctx context.Context, username string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM `+s.table("users")+` WHERE username_norm = $1`,
		NormalizeUsername(username),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, NotFoundError{Op: "identity.UserIDByUsername", Resource: "user"}
	}
	return id, err
}

func (s *PostgresStore) GetUsersByID(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	return s.queryUsers(ctx,
		`SELECT `+userColumns+` FROM `+s.table("users")+`
		  WHERE id = ANY($1)
		  ORDER BY username_norm, id`,
		ids,
	)
}

func (s *PostgresStore) ListUsers(ctx context.Context, excludeUsername string) ([]User, error) {
	return s.queryUsers(ctx,
		`SELECT `+userColumns+` FROM `+s.table("users")+`
		  WHERE username_norm <> $1
		  ORDER BY username_norm, id`,
		NormalizeUsername(excludeUsername),
	)
}

func (s *PostgresStore) queryUsers(ctx context.Context, q string, args ...any) ([]User, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Authenticate(ctx context.Context, username, plain string) (User, error) {
	const op = "identity.Authenticate"

	var (
		u    User
		hash string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT u.id, u.username, u.first_name, u.last_name, u.email, u.role, u.created_at, c.password_hash
		   FROM `+s.table("users")+` u
		   JOIN `+s.table("user_credentials")+` c ON c.user_id = u.id
		  WHERE u.username_norm = $1`,
		NormalizeUsername(username),
	).Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &u.Role, &u.CreatedAt, &hash)
	found := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return checkPassword(s.hasher, op, u, hash, found, plain)
}

// Ping checks the pool, for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_username_norm", strings.Contains(c, "username"):
		return "username", true
	case c == "uq_users_email_norm", strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
