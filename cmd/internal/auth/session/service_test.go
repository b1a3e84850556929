package session

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func testService(t *testing.T) (*Service, *InMemoryStore) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()

	tokens, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	store := NewInMemoryStore()
	log := slog.New(slog.DiscardHandler)
	return NewService(log, cfg, store, tokens), store
}

func TestIssueAndValidate(t *testing.T) {
	t.Parallel()
	svc, _ := testService(t)
	ctx := t.Context()

	issued, err := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if issued.AccessToken == "" || issued.RefreshToken == "" || issued.SessionID == "" {
		t.Fatalf("incomplete issue result: %+v", issued)
	}

	claims, err := svc.ValidateAccessToken(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != issued.SessionID {
		t.Fatalf("claims = %+v", claims)
	}

	uid, err := svc.VerifyAccess(ctx, issued.AccessToken)
	if err != nil || uid != "user-1" {
		t.Fatalf("VerifyAccess = %q, %v", uid, err)
	}
}

func TestValidateRejectsGarbageAndRevoked(t *testing.T) {
	t.Parallel()
	svc, _ := testService(t)
	ctx := t.Context()

	if _, err := svc.ValidateAccessToken(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err = %v, want ErrInvalidToken", err)
	}

	issued, err := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if err := svc.RevokeSession(ctx, issued.SessionID, ""); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, issued.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("revoked session err = %v, want ErrSessionRevoked", err)
	}
}

func TestRotateRefresh(t *testing.T) {
	t.Parallel()
	svc, store := testService(t)
	ctx := t.Context()

	first, err := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	second, err := svc.RotateRefresh(ctx, first.RefreshToken, DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("RotateRefresh: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("rotation must mint a new session")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}

	old, err := store.GetByID(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if old.RevokedAt == nil || old.ReplacedBySessionID == nil || *old.ReplacedBySessionID != second.SessionID {
		t.Fatalf("old session not marked rotated: %+v", old)
	}

	// The new access token validates; the old one is refused because its
	// session was replaced.
	if _, err := svc.ValidateAccessToken(ctx, second.AccessToken); err != nil {
		t.Fatalf("new token: %v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, first.AccessToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("old token err = %v, want ErrSessionRevoked", err)
	}
}

func TestRotateReuseRevokesEverything(t *testing.T) {
	t.Parallel()
	svc, store := testService(t)
	ctx := t.Context()

	first, err := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	other, err := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformIOS})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	second, err := svc.RotateRefresh(ctx, first.RefreshToken, DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("RotateRefresh: %v", err)
	}

	// Replaying the rotated token is reuse: every session dies, including
	// the freshly minted one and the unrelated device.
	if _, err := svc.RotateRefresh(ctx, first.RefreshToken, DeviceContext{Platform: PlatformWeb}); !errors.Is(err, ErrRefreshReuseDetected) {
		t.Fatalf("reuse err = %v, want ErrRefreshReuseDetected", err)
	}

	for _, sid := range []string{second.SessionID, other.SessionID} {
		sess, err := store.GetByID(ctx, sid)
		if err != nil {
			t.Fatalf("GetByID(%s): %v", sid, err)
		}
		if sess.RevokedAt == nil {
			t.Fatalf("session %s survived reuse detection", sid)
		}
	}
}

func TestRotateRejectsUnknownAndRevoked(t *testing.T) {
	t.Parallel()
	svc, _ := testService(t)
	ctx := t.Context()

	if _, err := svc.RotateRefresh(ctx, "bogus", DeviceContext{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown token err = %v, want ErrSessionNotFound", err)
	}

	issued, err := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if err := svc.RevokeSession(ctx, issued.SessionID, "logout"); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := svc.RotateRefresh(ctx, issued.RefreshToken, DeviceContext{}); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("revoked token err = %v, want ErrSessionRevoked", err)
	}
}

func TestRotateRejectsExpiredSession(t *testing.T) {
	t.Parallel()
	svc, _ := testService(t)
	ctx := t.Context()

	issued, err := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformWeb})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	// Move the service clock past the refresh expiry.
	svc.now = func() time.Time { return issued.RefreshExpiresAt.Add(time.Minute) }
	if _, err := svc.RotateRefresh(ctx, issued.RefreshToken, DeviceContext{}); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expired err = %v, want ErrSessionExpired", err)
	}
}

func TestRefreshTTLSelection(t *testing.T) {
	t.Parallel()
	svc, _ := testService(t)

	cases := []struct {
		dev  DeviceContext
		want time.Duration
	}{
		{DeviceContext{Platform: PlatformWeb}, svc.cfg.RefreshTTLWeb},
		{DeviceContext{Platform: PlatformUnknown}, svc.cfg.RefreshTTLWeb},
		{DeviceContext{Platform: PlatformIOS}, svc.cfg.RefreshTTLNativeShort},
		{DeviceContext{Platform: PlatformIOS, RememberMe: true}, svc.cfg.RefreshTTLNative},
		{DeviceContext{Platform: PlatformDesktop, RememberMe: true}, svc.cfg.RefreshTTLNative},
	}
	for _, tc := range cases {
		if got := svc.refreshTTL(tc.dev); got != tc.want {
			t.Errorf("refreshTTL(%+v) = %v, want %v", tc.dev, got, tc.want)
		}
	}
}

func TestRevokeAll(t *testing.T) {
	t.Parallel()
	svc, store := testService(t)
	ctx := t.Context()

	a, _ := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformWeb})
	b, _ := svc.IssueSession(ctx, "user-1", DeviceContext{Platform: PlatformAndroid})
	c, _ := svc.IssueSession(ctx, "user-2", DeviceContext{Platform: PlatformWeb})

	if err := svc.RevokeAll(ctx, "user-1", "password_change"); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}

	for _, sid := range []string{a.SessionID, b.SessionID} {
		sess, _ := store.GetByID(ctx, sid)
		if sess.RevokedAt == nil {
			t.Fatalf("session %s not revoked", sid)
		}
	}
	sess, _ := store.GetByID(ctx, c.SessionID)
	if sess.RevokedAt != nil {
		t.Fatal("other user's session was revoked")
	}
}

func TestRefreshTokenHashingUsesHMACWhenKeyed(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	plain := "some-refresh-token"

	t.Setenv(HMACEnvKey, "")
	unkeyed := hashRefreshTokenHex(plain)

	t.Setenv(HMACEnvKey, "s3cret")
	keyed := hashRefreshTokenHex(plain)

	if len(unkeyed) != 64 || len(keyed) != 64 {
		t.Fatalf("hash lengths: %d, %d", len(unkeyed), len(keyed))
	}
	if unkeyed == keyed {
		t.Fatal("HMAC key must change the hash")
	}
}
