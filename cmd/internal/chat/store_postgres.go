package chat

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

// PostgresStore implements chat persistence over PostgreSQL.
//
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Errors are mapped to chat sentinel kinds where appropriate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the chat store (default "relay").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("chat: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("chat: invalid schema identifier")
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
		return nil, fmt.Errorf("chat: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	const op = "chat.CreateChat"

	name := strings.TrimSpace(in.Name)
	if name == "" || strings.TrimSpace(in.AdminID) == "" {
		return Chat{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "name and admin_id are required"}
	}
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Chat{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	chats := s.ident("chats")
	members := s.ident("chat_members")

	_, err = tx.Exec(ctx,
		`INSERT INTO `+chats+` (id, name, admin_id, created_at) VALUES ($1, $2, $3, $4)`,
		id, name, in.AdminID, now,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return Chat{}, ConflictError{Op: op, Field: "name"}
		}
		return Chat{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+members+` (chat_id, user_id, relation, joined_at) VALUES ($1, $2, $3, $4)`,
		id, in.AdminID, string(RelationAdmin), now,
	)
	if err != nil {
		return Chat{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Chat{}, err
	}
	return Chat{ID: id, Name: name, AdminID: in.AdminID, CreatedAt: now}, nil
}

func (s *PostgresStore) ChatByID(ctx context.Context, chatID string) (Chat, error) {
	return s.chatBy(ctx, "chat.ChatByID", `id = $1`, chatID)
}

func (s *PostgresStore) ChatByName(ctx context.Context, name string) (Chat, error) {
	return s.chatBy(ctx, "chat.ChatByName", `name = $1`, strings.TrimSpace(name))
}

func (s *PostgresStore) chatBy(ctx context.Context, op, where string, arg any) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	var c Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, admin_id, created_at FROM `+s.ident("chats")+` WHERE `+where,
		arg,
	).Scan(&c.ID, &c.Name, &c.AdminID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, NotFoundError{Op: op, Resource: "chat"}
	}
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// DeleteChat removes the chat row; relations, kicks and messages cascade via
// ON DELETE CASCADE foreign keys.
func (s *PostgresStore) DeleteChat(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.ident("chats")+` WHERE id = $1`, chatID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "chat.DeleteChat", Resource: "chat"}
	}
	return nil
}

func (s *PostgresStore) SetRelation(ctx context.Context, chatID, userID string, rel Relation, now time.Time) error {
	const op = "chat.SetRelation"

	if !rel.Valid() {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown relation"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("chat_members")+` (chat_id, user_id, relation, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET relation = EXCLUDED.relation`,
		chatID, userID, string(rel), now,
	)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return NotFoundError{Op: op, Resource: "chat"}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) RemoveRelation(ctx context.Context, chatID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.ident("chat_members")+` WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
	return err
}

func (s *PostgresStore) RelationOf(ctx context.Context, chatID, userID string) (Relation, error) {
	const op = "chat.RelationOf"

	if err := ctx.Err(); err != nil {
		return "", err
	}

	var rel string
	err := s.pool.QueryRow(ctx,
		`SELECT relation FROM `+s.ident("chat_members")+` WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&rel)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", NotFoundError{Op: op, Resource: "member"}
	}
	if err != nil {
		return "", err
	}
	return Relation(rel), nil
}

func (s *PostgresStore) Members(ctx context.Context, chatID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	members := s.ident("chat_members")
	kicks := s.ident("chat_kicks")

	rows, err := s.pool.Query(ctx,
		`SELECT m.chat_id, m.user_id, m.relation, m.joined_at,
		        (SELECT COUNT(*) FROM `+kicks+` k WHERE k.chat_id = m.chat_id AND k.target_id = m.user_id)
		   FROM `+members+` m
		  WHERE m.chat_id = $1
		  ORDER BY m.user_id`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		var rel string
		if err := rows.Scan(&m.ChatID, &m.UserID, &rel, &m.JoinedAt, &m.Kicks); err != nil {
			return nil, err
		}
		m.Relation = Relation(rel)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ChatsByUser(ctx context.Context, userID string, rels ...Relation) ([]Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	relStrs := make([]string, 0, len(rels))
	for _, r := range rels {
		relStrs = append(relStrs, string(r))
	}

	q := `SELECT c.id, c.name, c.admin_id, c.created_at
	        FROM ` + s.ident("chats") + ` c
	        JOIN ` + s.ident("chat_members") + ` m ON m.chat_id = c.id
	       WHERE m.user_id = $1`
	args := []any{userID}
	if len(relStrs) > 0 {
		q += ` AND m.relation = ANY($2)`
		args = append(args, relStrs)
	}
	q += ` ORDER BY c.id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.AdminID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordKick(ctx context.Context, chatID, targetID, kickerID string) (int, error) {
	const op = "chat.RecordKick"

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	kicks := s.ident("chat_kicks")

	// ON CONFLICT DO NOTHING keeps the vote idempotent per kicker.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+kicks+` (chat_id, target_id, kicker_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (chat_id, target_id, kicker_id) DO NOTHING`,
		chatID, targetID, kickerID,
	)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return 0, NotFoundError{Op: op, Resource: "chat"}
		}
		return 0, err
	}

	var n int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+kicks+` WHERE chat_id = $1 AND target_id = $2`,
		chatID, targetID,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.AppendMessage"

	if strings.TrimSpace(in.ChatID) == "" || strings.TrimSpace(in.AuthorID) == "" {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "chat_id and author_id are required"}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	msgType := in.Type
	if msgType == "" {
		msgType = "text"
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("messages")+` (id, chat_id, author_id, text, msg_type, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.ChatID, in.AuthorID, in.Text, msgType, now,
	)
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return Message{}, NotFoundError{Op: op, Resource: "chat"}
		}
		return Message{}, err
	}

	return Message{ID: id, ChatID: in.ChatID, AuthorID: in.AuthorID, Text: in.Text, Type: msgType, SentAt: now}, nil
}

func (s *PostgresStore) Messages(ctx context.Context, q MessagesQuery) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	// Newest window first (ids are ULIDs, ordered in time), re-sorted ASC for callers.
	sql := `SELECT id, chat_id, author_id, text, msg_type, sent_at
	          FROM ` + s.ident("messages") + `
	         WHERE chat_id = $1`
	args := []any{q.ChatID}
	if q.Before != "" {
		sql += ` AND id < $2`
		args = append(args, q.Before)
	}
	sql += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.Text, &m.Type, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ---- helpers ----

func (s *PostgresStore) ident(name string) string {
	return fmt.Sprintf("%q.%q", s.schema, name)
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
