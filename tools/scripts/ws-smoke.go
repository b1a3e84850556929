// Package main provides a CI-friendly end-to-end smoke test for relay.
//
// It validates:
//   - register over the REST API
//   - chat create / invite / accept
//   - WS handshake: subprotocol selection, hello -> hello_ack
//   - presence: init_users_status snapshot, user_status_update fan-out
//   - typing: subscribe_typing gates the typed text
//   - new_message fan-out for a message sent over REST
//   - DND and disconnect presence transitions
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "relay/contracts/rtc/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "relay.rtc.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	token     string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type account struct {
	userID string
	token  string
}

func main() {
	var (
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP API base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like handshake)")
		chat    = flag.String("chat", "", "Chat name to create (default: generated)")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	api := &restClient{base: strings.TrimRight(*apiURL, "/"), timeout: *timeout}

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	chatName := *chat
	if chatName == "" {
		chatName = "smoke-room-" + suffix
	}

	accA := api.mustRegister(root, "smoke-a-"+suffix)
	accB := api.mustRegister(root, "smoke-b-"+suffix)

	chatID := api.mustJoinChat(root, accA.token, chatName)
	api.mustInvite(root, accA.token, chatID, accB.userID)
	api.mustAcceptInvite(root, accB.token, chatID)

	if *verbose {
		fmt.Printf("rest ok: chat_id=%s a=%s b=%s\n", chatID, accA.userID, accB.userID)
	}

	a := mustConnect(root, "A", *wsURL, *origin, accA, *timeout)
	defer closeWS(a.conn)

	// Both REST joins ran against this server process, so the mirror already
	// holds A and B; B is offline until its socket connects.
	snapA := a.mustInitSnapshot(root, *timeout)
	assertSnapshotMember(snapA, "A", chatID, accA.userID, v1.StatusOnline)
	assertSnapshotMember(snapA, "A", chatID, accB.userID, v1.StatusOffline)

	b := mustConnect(root, "B", *wsURL, *origin, accB, *timeout)
	defer closeWS(b.conn)

	// B's snapshot sees A already online; A is told that B came online.
	snapB := b.mustInitSnapshot(root, *timeout)
	assertSnapshotMember(snapB, "B", chatID, accA.userID, v1.StatusOnline)
	a.mustStatusUpdate(root, accB.userID, v1.StatusOnline, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// Typing: A subscribes to B, so A receives the typed text.
	a.mustSend(root, v1.TypeSubscribeTyping, v1.SubscribeTypingPayload{AuthorID: accB.userID, ChatID: chatID}, *timeout)
	time.Sleep(150 * time.Millisecond) // subscription is async relative to B's next frame

	b.mustSend(root, v1.TypeMeTyping, v1.MeTypingPayload{ChatID: chatID, Text: "typing…"}, *timeout)
	a.mustTyping(root, chatID, accB.userID, "typing…", *timeout)

	// After unsubscribe the notification still arrives, but without the text.
	a.mustSend(root, v1.TypeUnsubscribeTyping, v1.SubscribeTypingPayload{AuthorID: accB.userID, ChatID: chatID}, *timeout)
	time.Sleep(150 * time.Millisecond)

	b.mustSend(root, v1.TypeMeTyping, v1.MeTypingPayload{ChatID: chatID, Text: "secret draft"}, *timeout)
	a.mustTyping(root, chatID, accB.userID, "", *timeout)

	// Message sent over REST fans out over WS.
	msgID := api.mustSendMessage(root, accB.token, chatID, *text)
	a.mustNewMessage(root, chatID, accB.userID, msgID, *text, *timeout)

	// Presence transitions: DND, then disconnect -> OFFLINE.
	b.mustSend(root, v1.TypeChangeOnlineStatus, v1.ChangeOnlineStatusPayload{Status: v1.StatusDND}, *timeout)
	a.mustStatusUpdate(root, accB.userID, v1.StatusDND, *timeout)

	closeWS(b.conn)
	a.mustStatusUpdate(root, accB.userID, v1.StatusOffline, *timeout)

	fmt.Printf("OK: chat_id=%s a=%s b=%s msg_id=%s\n", chatID, accA.userID, accB.userID, msgID)
}

// ---- REST helpers ----

type restClient struct {
	base    string
	timeout time.Duration
}

func (rc *restClient) do(parent context.Context, method, path, token string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(parent, rc.timeout)
	defer cancel()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rc.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (rc *restClient) mustRegister(ctx context.Context, username string) account {
	var resp struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Session struct {
			AccessToken string `json:"access_token"`
		} `json:"session"`
	}
	body := map[string]any{
		"username": username,
		"password": "smoke-Passw0rd!" + username,
		"platform": "web",
	}
	status, err := rc.do(ctx, http.MethodPost, "/auth/register", "", body, &resp)
	if err != nil {
		fatalf("register %s: %v", username, err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		fatalf("register %s: unexpected status %d", username, status)
	}
	if resp.User.ID == "" || resp.Session.AccessToken == "" {
		fatalf("register %s: incomplete response", username)
	}
	return account{userID: resp.User.ID, token: resp.Session.AccessToken}
}

func (rc *restClient) mustJoinChat(ctx context.Context, token, name string) string {
	var resp struct {
		Chat struct {
			ID string `json:"id"`
		} `json:"chat"`
	}
	status, err := rc.do(ctx, http.MethodPost, "/chats/join", token, map[string]string{"name": name}, &resp)
	if err != nil {
		fatalf("join chat: %v", err)
	}
	if status >= 300 {
		fatalf("join chat: unexpected status %d", status)
	}
	if resp.Chat.ID == "" {
		fatalf("join chat: missing chat id")
	}
	return resp.Chat.ID
}

func (rc *restClient) mustInvite(ctx context.Context, token, chatID, userID string) {
	status, err := rc.do(ctx, http.MethodPost, "/chats/invite", token, map[string]string{"chat_id": chatID, "user_id": userID}, nil)
	if err != nil {
		fatalf("invite: %v", err)
	}
	if status >= 300 {
		fatalf("invite: unexpected status %d", status)
	}
}

func (rc *restClient) mustAcceptInvite(ctx context.Context, token, chatID string) {
	status, err := rc.do(ctx, http.MethodPost, "/chats/invite/accept", token, map[string]string{"chat_id": chatID}, nil)
	if err != nil {
		fatalf("accept invite: %v", err)
	}
	if status >= 300 {
		fatalf("accept invite: unexpected status %d", status)
	}
}

func (rc *restClient) mustSendMessage(ctx context.Context, token, chatID, text string) string {
	var resp struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	body := map[string]string{"chat_id": chatID, "text": text, "message_type": "text"}
	status, err := rc.do(ctx, http.MethodPost, "/chats/messages/send", token, body, &resp)
	if err != nil {
		fatalf("send message: %v", err)
	}
	if status >= 300 {
		fatalf("send message: unexpected status %d", status)
	}
	if resp.Message.ID == "" {
		fatalf("send message: missing message id")
	}
	return resp.Message.ID
}

// ---- WS validation ----

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, acc account, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: acc.userID,
		token:  acc.token,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}

	// hello/hello_ack complete before the read loop starts, so the ack
	// cannot race with the init snapshot.
	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: acc.token}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := mustReadDirect(parent, conn, name, stepTimeout)
	if ack.Type != v1.TypeHelloAck {
		fatalf("expected %s, got %s (%s)", v1.TypeHelloAck, ack.Type, name)
	}

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != acc.userID {
		fatalf("hello_ack user_id mismatch (%s): got=%q want=%q", name, p.UserID, acc.userID)
	}
	c.sessionID = p.SessionID

	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func mustReadDirect(parent context.Context, conn *websocket.Conn, name string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	mt, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read (%s): %v", name, err)
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		fatalf("unsupported message type (%s): %v", name, mt)
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("bad json (%s): %v", name, err)
	}
	if err := env.Validate(); err != nil {
		fatalf("bad envelope (%s): %v", name, err)
	}
	return env
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustSend(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func (c *smokeClient) mustInitSnapshot(parent context.Context, stepTimeout time.Duration) v1.InitUsersStatusPayload {
	env := c.mustReadUntilType(parent, v1.TypeInitUsersStatus, stepTimeout, nil)

	var p v1.InitUsersStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal init_users_status payload (%s): %v", c.name, err)
	}
	return p
}

func assertSnapshotMember(p v1.InitUsersStatusPayload, name, chatID, memberID, wantStatus string) {
	if got := p.Users[memberID]; got != wantStatus {
		fatalf("snapshot status mismatch (%s): user=%s got=%q want=%q", name, memberID, got, wantStatus)
	}

	for _, ch := range p.Chats {
		if ch.ChatID != chatID {
			continue
		}
		for _, id := range ch.UserIDs {
			if id == memberID {
				return
			}
		}
		fatalf("snapshot chat %s missing member %s (%s)", chatID, memberID, name)
	}
	fatalf("snapshot missing chat %s (%s)", chatID, name)
}

func (c *smokeClient) mustStatusUpdate(parent context.Context, userID, wantStatus string, stepTimeout time.Duration) {
	// Presence updates for other users may interleave with typing frames.
	skip := map[string]struct{}{v1.TypeUserTyping: {}}

	deadline := time.Now().Add(stepTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			fatalf("timeout waiting for user_status_update %s=%s (%s)", userID, wantStatus, c.name)
		}

		env := c.mustReadUntilType(parent, v1.TypeUserStatusUpdate, remain, skip)

		var p v1.UserStatusUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal user_status_update payload (%s): %v", c.name, err)
		}
		if p.UserID == userID && p.Status == wantStatus {
			return
		}
		// Another member's transition; keep waiting.
	}
}

func (c *smokeClient) mustTyping(parent context.Context, chatID, authorID, wantText string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeUserStatusUpdate: {}}
	env := c.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout, skip)

	var p v1.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_typing payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID {
		fatalf("typing chat_id mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	}
	if p.AuthorID != authorID {
		fatalf("typing author_id mismatch (%s): got=%q want=%q", c.name, p.AuthorID, authorID)
	}
	if p.Text != wantText {
		fatalf("typing text mismatch (%s): got=%q want=%q", c.name, p.Text, wantText)
	}
}

func (c *smokeClient) mustNewMessage(parent context.Context, chatID, userID, msgID, wantText string, stepTimeout time.Duration) {
	skip := map[string]struct{}{
		v1.TypeUserStatusUpdate: {},
		v1.TypeUserTyping:       {},
	}
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, skip)

	var p v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal new_message payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID {
		fatalf("new_message chat_id mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	}
	if p.UserID != userID {
		fatalf("new_message user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
	if p.ID != msgID {
		fatalf("new_message id mismatch (%s): got=%q want=%q", c.name, p.ID, msgID)
	}
	if p.Text != wantText {
		fatalf("new_message text mismatch (%s): got=%q want=%q", c.name, p.Text, wantText)
	}
	if p.Date.IsZero() {
		fatalf("new_message date missing/zero (%s)", c.name)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
