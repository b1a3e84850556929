package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := runtimeBaseURL(tc.in); got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://relay.example.com", want: "wss://relay.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		if got := wsBaseURL(tc.in); got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

// TestMemoryModeWiring builds the full app without a database and checks the
// plumbing-level routes respond.
func TestMemoryModeWiring(t *testing.T) {
	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	log := slog.New(slog.DiscardHandler)

	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, nil, false, a.registry, a.gateway, a.auth, a.chats)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d: %s", path, resp.StatusCode, body)
		}
	}

	// Auth routes are live: a bad login hits the handler, not a 404.
	resp, err := http.Post(srv.URL+"/auth/login", "application/json",
		strings.NewReader(`{"login":"ghost","password":"wrong password"}`))
	if err != nil {
		t.Fatalf("POST /auth/login: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want 401", resp.StatusCode)
	}
}

func TestReadyzRequiresDBWhenConfigured(t *testing.T) {
	t.Parallel()

	cfg := Config{ReadinessRequireDB: true}
	log := slog.New(slog.DiscardHandler)

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, nil, false, nil, nil, nil, nil)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rr.Code)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Setenv("RELAY_TOKEN_HMAC_KEY", "")

	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: false}); err != nil {
		t.Fatalf("policy off: %v", err)
	}
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err == nil {
		t.Fatal("missing key must fail the policy")
	}

	t.Setenv("RELAY_TOKEN_HMAC_KEY", "short")
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err == nil {
		t.Fatal("short key must fail the policy")
	}

	t.Setenv("RELAY_TOKEN_HMAC_KEY", strings.Repeat("k", 32))
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true, DatabaseURL: "postgres://x"}); err != nil {
		t.Fatalf("valid key: %v", err)
	}
}
