package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"relay/cmd/identity/ids"
)

// InMemoryStore is a dev/test fallback when DB is not configured.
type InMemoryStore struct {
	mu      sync.Mutex
	users   map[string]User   // user_id -> user
	byLogin map[string]string // normalized username/email -> user_id
	creds   map[string]string // user_id -> password hash
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[string]User),
		byLogin: make(map[string]string),
		creds:   make(map[string]string),
	}
}

func (s *InMemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
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
	var email *string
	var emailNorm *string
	if in.Email != nil && strings.TrimSpace(*in.Email) != "" {
		e := strings.TrimSpace(*in.Email)
		n := NormalizeEmail(e)
		email, emailNorm = &e, &n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byLogin[usernameNorm]; ok {
		return User{}, ConflictError{Op: op, Field: "username"}
	}
	if emailNorm != nil {
		if _, ok := s.byLogin[*emailNorm]; ok {
			return User{}, ConflictError{Op: op, Field: "email"}
		}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:           id,
		Username:     username,
		UsernameNorm: usernameNorm,
		Email:        email,
		EmailNorm:    emailNorm,
		DisplayName:  in.DisplayName,
		CreatedAt:    now,
	}
	s.users[id] = u
	s.byLogin[usernameNorm] = id
	if emailNorm != nil {
		s.byLogin[*emailNorm] = id
	}
	s.creds[id] = hash
	return u, nil
}

func (s *InMemoryStore) UserByID(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return User{}, OpError{Op: "identity.UserByID", Kind: ErrNotFound}
	}
	return u, nil
}

func (s *InMemoryStore) UserByLogin(ctx context.Context, login string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byLogin[NormalizeUsername(login)]
	if !ok {
		return User{}, OpError{Op: "identity.UserByLogin", Kind: ErrNotFound}
	}
	return s.users[id], nil
}

func (s *InMemoryStore) PasswordHash(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.creds[userID]
	if !ok {
		return "", OpError{Op: "identity.PasswordHash", Kind: ErrNotFound}
	}
	return h, nil
}
