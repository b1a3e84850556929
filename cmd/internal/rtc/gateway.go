package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "relay/contracts/rtc/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "relay.rtc.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloWait    = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// AccessVerifier authenticates the access token carried by the hello frame.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, token string) (userID string, err error)
}

// Gateway is the WebSocket entrypoint of the realtime layer.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, authenticates the first frame (hello) against the
// AccessVerifier, and routes validated envelopes to the Coordinator.
type Gateway struct {
	log      *slog.Logger
	coord    *Coordinator
	verifier AccessVerifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	helloWait       time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, coord *Coordinator, verifier AccessVerifier) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{log: log, coord: coord, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("RELAY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("RELAY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("RELAY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("RELAY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("RELAY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.helloWait = envDurationWS("RELAY_WS_HELLO_TIMEOUT", wsDefaultHelloWait)

	g.sendQueueSize = envIntWS("RELAY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("RELAY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("RELAY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("RELAY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("RELAY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewRandomHex(10)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		client    *Client // set after successful hello
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// The coordinator resolves the OFFLINE fan-out targets before tearing
	// down presence, so co-members are notified even though this connection
	// is already unregistered by the time the events are enqueued.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if client != nil {
				g.coord.Disconnect(client.UserID, client)
				client.Close()
			}
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	// The hello frame must arrive and authenticate before anything else.
	client, err = g.awaitHello(ctx, conn, sessionID)
	if err != nil {
		g.log.Info("ws.hello.fail", "session_id", sessionID, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			g.trySendError(ctx, client, "already_authenticated", "hello already completed")

		case v1.TypeChangeOnlineStatus:
			if err := g.onChangeStatus(client, env); err != nil {
				g.trySendError(ctx, client, "bad_status", err.Error())
			}

		case v1.TypeMeTyping:
			if err := g.onMeTyping(client, env); err != nil {
				g.trySendError(ctx, client, "bad_typing", err.Error())
			}

		case v1.TypeSubscribeTyping:
			if err := g.onTypingSub(client, env, true); err != nil {
				g.trySendError(ctx, client, "bad_subscribe", err.Error())
			}

		case v1.TypeUnsubscribeTyping:
			if err := g.onTypingSub(client, env, false); err != nil {
				g.trySendError(ctx, client, "bad_unsubscribe", err.Error())
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake ----

// awaitHello reads and authenticates the first frame, runs the coordinator
// connect sequence and writes hello_ack. The ack is written directly (the
// writer goroutine is not running yet) so it is delivered before the initial
// snapshot queued by Connect.
func (g *Gateway) awaitHello(ctx context.Context, conn *websocket.Conn, sessionID string) (*Client, error) {
	helloCtx, cancel := context.WithTimeout(ctx, g.helloWait)
	env, err := readEnvelope(helloCtx, conn)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hello envelope: %w", err)
	}
	if env.Type != v1.TypeHello {
		return nil, fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid hello payload: %w", err)
	}
	token := strings.TrimSpace(p.Token)
	if token == "" {
		return nil, errors.New("missing token")
	}

	userID, err := g.verifier.VerifyAccess(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	client := NewClient(UserID(userID), sessionID, g.sendQueueSize)

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{UserID: userID, SessionID: sessionID})
	ack := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHelloAck,
		ID:      NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: ackPayload,
	}
	if err := writeEnvelope(ctx, conn, ack, g.writeTimeout); err != nil {
		return nil, fmt.Errorf("write hello.ack: %w", err)
	}

	if err := g.coord.Connect(ctx, client.UserID, client); err != nil {
		if errors.Is(err, ErrConnectSuperseded) {
			return nil, err
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	return client, nil
}

// ---- handlers ----

func (g *Gateway) onChangeStatus(client *Client, env v1.Envelope) error {
	var p v1.ChangeOnlineStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	status := Status(strings.ToUpper(strings.TrimSpace(p.Status)))
	if !status.Valid() {
		return fmt.Errorf("unknown status: %q", p.Status)
	}
	g.coord.SetStatus(client.UserID, status)
	return nil
}

func (g *Gateway) onMeTyping(client *Client, env v1.Envelope) error {
	var p v1.MeTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	chat := strings.TrimSpace(p.ChatID)
	if chat == "" {
		return errors.New("missing chat_id")
	}

	text := p.Text
	if r := []rune(text); len(r) > maxTypingChars {
		text = string(r[:maxTypingChars])
	}
	g.coord.EmitTyping(client.UserID, ChatID(chat), text)
	return nil
}

func (g *Gateway) onTypingSub(client *Client, env v1.Envelope, subscribe bool) error {
	var p v1.SubscribeTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	author := strings.TrimSpace(p.AuthorID)
	chat := strings.TrimSpace(p.ChatID)
	if author == "" {
		return errors.New("missing author_id")
	}
	if chat == "" {
		return errors.New("missing chat_id")
	}

	if subscribe {
		g.coord.SubscribeTyping(client.UserID, UserID(author), ChatID(chat))
	} else {
		g.coord.UnsubscribeTyping(client.UserID, UserID(author), ChatID(chat))
	}
	return nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeError,
		ID:      NewRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: p,
	}
	select {
	case <-ctx.Done():
	case <-client.Done():
	default:
		client.Emit(env)
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
