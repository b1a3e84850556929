package session

import (
	"context"
	"sync"
	"time"

	"relay/cmd/identity/ids"
)

// InMemoryStore is a Store for tests and development. Data is lost on
// restart.
type InMemoryStore struct {
	mu sync.Mutex
	// txMu serializes InTx closures so a whole rotation observes and
	// mutates state without interleaving, matching the row-lock contract
	// of the Postgres store.
	txMu sync.Mutex

	sessions map[string]*Session // by ID
	byHash   map[string]string   // refresh hash -> session ID
}

// NewInMemoryStore creates an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		byHash:   make(map[string]string),
	}
}

func (s *InMemoryStore) Create(_ context.Context, now time.Time, userID string, dev DeviceContext, refreshHash string, expiresAt time.Time) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last := now
	s.sessions[id] = &Session{
		ID:               id,
		UserID:           userID,
		RefreshTokenHash: refreshHash,
		CreatedAt:        now,
		LastUsedAt:       &last,
		ExpiresAt:        expiresAt,
		Platform:         dev.Platform.Normalize(),
	}
	s.byHash[refreshHash] = id
	return id, nil
}

func (s *InMemoryStore) GetByID(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

func (s *InMemoryStore) GetByRefreshHash(_ context.Context, refreshHash string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[refreshHash]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s.sessions[id], nil
}

func (s *InMemoryStore) MarkRotated(_ context.Context, now time.Time, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[oldID]
	if !ok {
		return ErrSessionNotFound
	}
	t := now
	sess.LastUsedAt = &t
	sess.RevokedAt = &t
	replaced := newID
	sess.ReplacedBySessionID = &replaced
	return nil
}

func (s *InMemoryStore) Touch(_ context.Context, now time.Time, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	t := now
	sess.LastUsedAt = &t
	return nil
}

func (s *InMemoryStore) Revoke(_ context.Context, now time.Time, sessionID string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.RevokedAt == nil {
		t := now
		sess.RevokedAt = &t
	}
	return nil
}

func (s *InMemoryStore) RevokeAll(_ context.Context, now time.Time, userID string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.RevokedAt != nil {
			continue
		}
		t := now
		sess.RevokedAt = &t
	}
	return nil
}

func (s *InMemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}
