package session

import (
	"context"
	"log/slog"
	"time"
)

// Issued is the result of creating or rotating a session: a short-lived
// access token plus the opaque refresh token the client must store.
type Issued struct {
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Service implements session lifecycle on top of a Store and an
// AccessTokenManager: issue, validate, rotate, revoke.
type Service struct {
	log    *slog.Logger
	cfg    Config
	store  Store
	tokens AccessTokenManager

	// now is swappable in tests.
	now func() time.Time
}

// NewService builds a session Service.
func NewService(log *slog.Logger, cfg Config, store Store, tokens AccessTokenManager) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:    log,
		cfg:    cfg,
		store:  store,
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// refreshTTL selects the refresh lifetime for a device. Web clients get the
// web TTL regardless of remember-me (the cookie carries persistence there);
// native clients get the long TTL only when remember-me is set.
func (s *Service) refreshTTL(dev DeviceContext) time.Duration {
	switch dev.Platform.Normalize() {
	case PlatformIOS, PlatformAndroid, PlatformDesktop:
		if dev.RememberMe {
			return s.cfg.RefreshTTLNative
		}
		return s.cfg.RefreshTTLNativeShort
	default:
		return s.cfg.RefreshTTLWeb
	}
}

// IssueSession creates a new session for userID and returns its token pair.
func (s *Service) IssueSession(ctx context.Context, userID string, dev DeviceContext) (Issued, error) {
	now := s.now()
	refreshExp := now.Add(s.refreshTTL(dev))

	plain, hash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes)
	if err != nil {
		return Issued{}, err
	}

	sid, err := s.store.Create(ctx, now, userID, dev, hash, refreshExp)
	if err != nil {
		return Issued{}, err
	}

	access, accessExp, err := s.tokens.Issue(userID, sid, now)
	if err != nil {
		return Issued{}, err
	}

	s.log.InfoContext(ctx, "session.issue", "session_id", sid, "platform", string(dev.Platform.Normalize()))
	return Issued{
		SessionID:        sid,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     plain,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// ValidateAccessToken verifies the token signature and claims, then checks
// the backing session server-side: a revoked or expired session invalidates
// an otherwise well-formed token.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (AccessClaims, error) {
	now := s.now()

	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, err
	}

	sess, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}
	if sess.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if sess.RevokedAt != nil || sess.ReplacedBySessionID != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if now.After(sess.ExpiresAt.Add(s.cfg.ClockSkew)) {
		return AccessClaims{}, ErrSessionExpired
	}

	return claims, nil
}

// VerifyAccess adapts ValidateAccessToken to the minimal verifier shape the
// realtime gateway consumes: token in, user ID out.
func (s *Service) VerifyAccess(ctx context.Context, token string) (string, error) {
	claims, err := s.ValidateAccessToken(ctx, token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// RotateRefresh exchanges a valid refresh token for a new session and token
// pair, revoking the old session. Presenting an already-rotated token is
// treated as theft: every session of that user is revoked.
//
// The whole exchange runs in one store transaction so two concurrent
// rotations of the same token cannot both succeed.
func (s *Service) RotateRefresh(ctx context.Context, refreshToken string, dev DeviceContext) (Issued, error) {
	now := s.now()
	hash := hashRefreshTokenHex(refreshToken)

	var out Issued
	err := s.store.InTx(ctx, func(tx Store) error {
		sess, err := tx.GetByRefreshHash(ctx, hash)
		if err != nil {
			return err
		}

		if sess.RevokedAt != nil {
			if sess.ReplacedBySessionID != nil {
				// A rotated token came back. Someone is replaying
				// stolen credentials; burn everything.
				if err := tx.RevokeAll(ctx, now, sess.UserID, "refresh_reuse"); err != nil {
					return err
				}
				s.log.WarnContext(ctx, "session.refresh.reuse",
					"session_id", sess.ID, "user_id", sess.UserID)
				return ErrRefreshReuseDetected
			}
			return ErrSessionRevoked
		}
		if now.After(sess.ExpiresAt) {
			return ErrSessionExpired
		}

		plain, newHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes)
		if err != nil {
			return err
		}

		refreshExp := now.Add(s.refreshTTL(dev))
		newID, err := tx.Create(ctx, now, sess.UserID, dev, newHash, refreshExp)
		if err != nil {
			return err
		}
		if err := tx.MarkRotated(ctx, now, sess.ID, newID); err != nil {
			return err
		}

		access, accessExp, err := s.tokens.Issue(sess.UserID, newID, now)
		if err != nil {
			return err
		}

		out = Issued{
			SessionID:        newID,
			AccessToken:      access,
			AccessExpiresAt:  accessExp,
			RefreshToken:     plain,
			RefreshExpiresAt: refreshExp,
		}
		return nil
	})
	if err != nil {
		return Issued{}, err
	}

	s.log.InfoContext(ctx, "session.refresh.rotate", "session_id", out.SessionID)
	return out, nil
}

// RevokeSession revokes one session (logout).
func (s *Service) RevokeSession(ctx context.Context, sessionID string, reason string) error {
	if reason == "" {
		reason = "logout"
	}
	return s.store.Revoke(ctx, s.now(), sessionID, reason)
}

// RevokeAll revokes every session of a user (logout everywhere, password
// change, compromise response).
func (s *Service) RevokeAll(ctx context.Context, userID string, reason string) error {
	if reason == "" {
		reason = "revoke_all"
	}
	return s.store.RevokeAll(ctx, s.now(), userID, reason)
}

// TouchSession records recent activity on a session. Best effort.
func (s *Service) TouchSession(ctx context.Context, sessionID string) {
	if err := s.store.Touch(ctx, s.now(), sessionID); err != nil {
		s.log.DebugContext(ctx, "session.touch.fail", "session_id", sessionID, "error", err)
	}
}
