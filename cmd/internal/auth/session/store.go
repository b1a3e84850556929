package session

import (
	"context"
	"net"
	"time"
)

// Platform represents the client platform associated with a session.
type Platform string

// Known platforms; anything else is normalized to PlatformUnknown.
const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
	PlatformUnknown Platform = "unknown"
)

// Normalize maps arbitrary input to a known platform.
func (p Platform) Normalize() Platform {
	switch p {
	case PlatformWeb, PlatformIOS, PlatformAndroid, PlatformDesktop:
		return p
	default:
		return PlatformUnknown
	}
}

// DeviceContext describes the client device that owns a session.
type DeviceContext struct {
	Platform   Platform
	RememberMe bool
	UserAgent  string
	IP         net.IP
}

// Session mirrors one relay.sessions row.
type Session struct {
	ID                  string
	UserID              string
	RefreshTokenHash    string
	CreatedAt           time.Time
	LastUsedAt          *time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	ReplacedBySessionID *string
	Platform            Platform
}

// Store abstracts persistence for session state.
//
// Rotation safety contract: GetByRefreshHash must lock the row against
// concurrent rotation for the duration of the InTx closure it runs in.
type Store interface {
	Create(ctx context.Context, now time.Time, userID string, dev DeviceContext, refreshHash string, expiresAt time.Time) (sessionID string, err error)
	GetByID(ctx context.Context, sessionID string) (Session, error)
	GetByRefreshHash(ctx context.Context, refreshHash string) (Session, error)

	// MarkRotated revokes the old session and links it to its replacement.
	MarkRotated(ctx context.Context, now time.Time, oldID, newID string) error

	// Touch updates last_used_at (best-effort).
	Touch(ctx context.Context, now time.Time, sessionID string) error

	Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error
	RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error

	// InTx runs fn against a transaction-scoped view of the store. The whole
	// refresh rotation runs inside one InTx call so reuse detection and the
	// create+revoke pair are atomic.
	InTx(ctx context.Context, fn func(Store) error) error
}
