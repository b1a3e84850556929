package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/cmd/identity/ids"
)

// PostgresStore implements identity persistence over PostgreSQL.
//
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Errors are mapped to identity sentinel kinds where appropriate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "relay").
// The schema name is validated to be a legal PostgreSQL identifier.
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

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
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
	return st, nil
}

// CreateUser creates a new user and its credentials transactionally.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	username := strings.TrimSpace(in.Username)
	if username == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "username is required"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	hash, err := HashPassword(in.Password, DefaultArgon2idParams())
	if err != nil {
		return User{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	usernameNorm := NormalizeUsername(username)
	var email, emailNorm *string
	if in.Email != nil && strings.TrimSpace(*in.Email) != "" {
		e := strings.TrimSpace(*in.Email)
		n := NormalizeEmail(e)
		email, emailNorm = &e, &n
	}

	userID, err := ids.NewULID(now)
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

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.ident("users")+` (
		     id, username, username_norm, email, email_norm, display_name, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, username, usernameNorm, email, emailNorm, in.DisplayName, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.ident("user_credentials")+` (user_id, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)`,
		userID, hash, now,
	)
	if err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	return User{
		ID:           userID,
		Username:     username,
		UsernameNorm: usernameNorm,
		Email:        email,
		EmailNorm:    emailNorm,
		DisplayName:  in.DisplayName,
		CreatedAt:    now,
	}, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, userID string) (User, error) {
	return s.userBy(ctx, "identity.UserByID", `id = $1`, userID)
}

// UserByLogin resolves a normalized username or email.
func (s *PostgresStore) UserByLogin(ctx context.Context, login string) (User, error) {
	norm := NormalizeUsername(login)
	return s.userBy(ctx, "identity.UserByLogin", `username_norm = $1 OR email_norm = $1`, norm)
}

func (s *PostgresStore) userBy(ctx context.Context, op, where string, arg any) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, username_norm, email, email_norm, display_name, created_at
		   FROM `+s.ident("users")+` WHERE `+where,
		arg,
	).Scan(&u.ID, &u.Username, &u.UsernameNorm, &u.Email, &u.EmailNorm, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) PasswordHash(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT password_hash FROM `+s.ident("user_credentials")+` WHERE user_id = $1`,
		userID,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", OpError{Op: "identity.PasswordHash", Kind: ErrNotFound}
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// ---- helpers ----

func (s *PostgresStore) ident(name string) string {
	return fmt.Sprintf("%q.%q", s.schema, name)
}

// pgClassifyUniqueViolation maps a unique violation to a stable logical field name.
func pgClassifyUniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "email"):
		return "email", true
	case strings.Contains(pgErr.ConstraintName, "username"):
		return "username", true
	default:
		return pgErr.ConstraintName, true
	}
}
