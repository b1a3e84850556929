package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/cmd/identity/ids"
)

// pgQuerier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same statement helpers serve both the pool-backed store and its
// transaction-scoped view.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgconnCommandTag narrows pgconn.CommandTag to what this store needs and
// keeps the querier interface satisfiable by both pool and tx.
type pgconnCommandTag = interface{ RowsAffected() int64 }

// poolQuerier adapts *pgxpool.Pool to pgQuerier.
type poolQuerier struct{ pool *pgxpool.Pool }

func (q poolQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error) {
	tag, err := q.pool.Exec(ctx, sql, args...)
	return tag, err
}

func (q poolQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return q.pool.QueryRow(ctx, sql, args...)
}

// txQuerier adapts pgx.Tx to pgQuerier.
type txQuerier struct{ tx pgx.Tx }

func (q txQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconnCommandTag, error) {
	tag, err := q.tx.Exec(ctx, sql, args...)
	return tag, err
}

func (q txQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return q.tx.QueryRow(ctx, sql, args...)
}

// PostgresStore implements Store using PostgreSQL (relay.sessions).
type PostgresStore struct {
	pool   *pgxpool.Pool
	q      pgQuerier
	schema string
	inTx   bool
}

var pgSchemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed session store. schema defaults
// to "relay" when empty and must be a legal identifier.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "relay"
	}
	if !pgSchemaRe.MatchString(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier")
	}
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	return &PostgresStore{pool: pool, q: poolQuerier{pool}, schema: schema}, nil
}

func (s *PostgresStore) table() string {
	return fmt.Sprintf("%q.%q", s.schema, "sessions")
}

// Create inserts a new session row and returns its ULID.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, userID string, dev DeviceContext, refreshHash string, expiresAt time.Time) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}

	var ip any
	if dev.IP != nil {
		ip = dev.IP.String()
	}

	// last_used_at = created_at: a fresh session was just used to log in.
	_, err = s.q.Exec(ctx, `
		INSERT INTO `+s.table()+` (
			id, user_id, refresh_token_hash,
			created_at, last_used_at, expires_at,
			user_agent, ip, platform
		) VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8)
	`, id, userID, refreshHash, now, expiresAt, nullIfEmpty(dev.UserAgent), ip, string(dev.Platform.Normalize()))
	if err != nil {
		return "", err
	}
	return id, nil
}

const sessionColumns = `
	id, user_id, refresh_token_hash,
	created_at, last_used_at, expires_at, revoked_at,
	replaced_by_session_id, platform`

func (s *PostgresStore) scanSession(row pgx.Row) (Session, error) {
	var out Session
	err := row.Scan(
		&out.ID,
		&out.UserID,
		&out.RefreshTokenHash,
		&out.CreatedAt,
		&out.LastUsedAt,
		&out.ExpiresAt,
		&out.RevokedAt,
		&out.ReplacedBySessionID,
		&out.Platform,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Session, error) {
	return s.scanSession(s.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM `+s.table()+` WHERE id = $1`,
		sessionID,
	))
}

// GetByRefreshHash loads a session by refresh token hash. Inside InTx the row
// is locked FOR UPDATE, which is what makes rotation safe under concurrency.
func (s *PostgresStore) GetByRefreshHash(ctx context.Context, refreshHash string) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM ` + s.table() + ` WHERE refresh_token_hash = $1`
	if s.inTx {
		q += ` FOR UPDATE`
	}
	return s.scanSession(s.q.QueryRow(ctx, q, refreshHash))
}

// MarkRotated revokes the old session and links it to the replacement session.
func (s *PostgresStore) MarkRotated(ctx context.Context, now time.Time, oldID, newID string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE `+s.table()+`
		SET last_used_at = $2,
		    revoked_at = $2,
		    replaced_by_session_id = $3,
		    revocation_reason = 'rotation'
		WHERE id = $1
	`, oldID, now, newID)
	return err
}

// Touch updates last_used_at for a session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE `+s.table()+` SET last_used_at = $2 WHERE id = $1
	`, sessionID, now)
	return err
}

// Revoke revokes a single session (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, sessionID, now, reason)
	return err
}

// RevokeAll revokes all sessions for a user (idempotent).
func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE user_id = $1
	`, userID, now, reason)
	return err
}

// InTx runs fn against a transaction-scoped view of the store.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scoped := &PostgresStore{pool: s.pool, q: txQuerier{tx}, schema: s.schema, inTx: true}
	if err := fn(scoped); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
