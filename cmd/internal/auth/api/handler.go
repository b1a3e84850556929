package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/auth/session"
)

// Handler wires HTTP account endpoints to identity and session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	users    identity.Store
	sessions *session.Service

	ipThrottle   *failureThrottle
	userThrottle *failureThrottle
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, sessions *session.Service) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:          log,
		cfg:          cfg,
		users:        users,
		sessions:     sessions,
		ipThrottle:   newFailureThrottle(cfg.LoginIPMax, cfg.LoginIPWindow),
		userThrottle: newFailureThrottle(cfg.LoginUserMax, cfg.LoginUserWindow),
	}
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/me", h.handleMe)
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || strings.TrimSpace(req.Password) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)

	user, err := h.users.CreateUser(ctx, identity.CreateUserInput{
		Username:    username,
		Email:       trimPtr(req.Email),
		Password:    req.Password,
		DisplayName: trimPtr(req.DisplayName),
	})
	if err != nil {
		switch {
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "conflict", "username or email already exists")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
		default:
			h.log.ErrorContext(ctx, "auth.register.fail", "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	issued, err := h.sessions.IssueSession(ctx, user.ID, h.deviceContext(r, req.Platform, req.RememberMe))
	if err != nil {
		h.log.ErrorContext(ctx, "auth.register.issue_session.fail", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(ctx, "audit.auth.register", "user_id", user.ID, "session_id", issued.SessionID, ipAttr(ip))
	writeJSON(w, http.StatusOK, authResponse{
		User:    toUserResponse(user),
		Session: toSessionResponse(issued),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	login := strings.TrimSpace(req.Login)
	if login == "" || strings.TrimSpace(req.Password) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "login and password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	identifier := identity.NormalizeUsername(login)

	ipKey := ""
	if ip != nil {
		ipKey = ip.String()
	}
	if blocked, retryAfter := h.ipThrottle.Blocked(ipKey, now); blocked {
		h.audit(ctx, "audit.auth.login.rate_limited", ipAttr(ip), "identifier", identifier)
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := h.userThrottle.Blocked(identifier, now); blocked {
		h.audit(ctx, "audit.auth.login.rate_limited", ipAttr(ip), "identifier", identifier)
		writeRateLimited(w, retryAfter)
		return
	}

	user, err := identity.Authenticate(ctx, h.users, login, req.Password)
	if err != nil {
		if identity.IsBadCredentials(err) {
			h.ipThrottle.Record(ipKey, now)
			h.userThrottle.Record(identifier, now)
			h.audit(ctx, "audit.auth.login.failed", ipAttr(ip), "identifier", identifier)
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.ErrorContext(ctx, "auth.login.fail", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	issued, err := h.sessions.IssueSession(ctx, user.ID, h.deviceContext(r, req.Platform, req.RememberMe))
	if err != nil {
		h.log.ErrorContext(ctx, "auth.login.issue_session.fail", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.ipThrottle.Reset(ipKey)
	h.userThrottle.Reset(identifier)
	h.audit(ctx, "audit.auth.login", "user_id", user.ID, "session_id", issued.SessionID, ipAttr(ip))

	writeJSON(w, http.StatusOK, authResponse{
		User:    toUserResponse(user),
		Session: toSessionResponse(issued),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	refreshToken := strings.TrimSpace(req.RefreshToken)
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)

	issued, err := h.sessions.RotateRefresh(ctx, refreshToken, h.deviceContext(r, req.Platform, req.RememberMe))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReuseDetected):
			h.audit(ctx, "audit.auth.refresh.reuse", ipAttr(ip))
			writeError(w, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected")
		case errors.Is(err, session.ErrSessionExpired),
			errors.Is(err, session.ErrSessionRevoked),
			errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
		default:
			h.log.ErrorContext(ctx, "auth.refresh.fail", "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.audit(ctx, "audit.auth.refresh", "session_id", issued.SessionID, ipAttr(ip))
	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.sessions.RevokeSession(ctx, claims.SessionID, "logout"); err != nil {
		h.log.ErrorContext(ctx, "auth.logout.fail", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(ctx, "audit.auth.logout", "user_id", claims.UserID, "session_id", claims.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.sessions.RevokeAll(ctx, claims.UserID, "logout_all"); err != nil {
		h.log.ErrorContext(ctx, "auth.logout_all.fail", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(ctx, "audit.auth.logout_all", "user_id", claims.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	u, err := h.users.UserByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		h.log.ErrorContext(ctx, "auth.me.fail", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.sessions.TouchSession(ctx, claims.SessionID)
	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.ValidateAccessToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.AccessClaims{}, false
	}
	return claims, true
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (h *Handler) deviceContext(r *http.Request, platform string, rememberMe bool) session.DeviceContext {
	return session.DeviceContext{
		Platform:   normalizePlatform(platform),
		RememberMe: rememberMe,
		UserAgent:  strings.TrimSpace(r.UserAgent()),
		IP:         clientIP(r, h.cfg.TrustProxy),
	}
}

func normalizePlatform(p string) session.Platform {
	return session.Platform(strings.ToLower(strings.TrimSpace(p))).Normalize()
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}

func toSessionResponse(issued session.Issued) sessionResponse {
	return sessionResponse{
		SessionID:        issued.SessionID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExpiresAt,
	}
}
