// Package app wires the relay server runtime: config, logging, persistence,
// the realtime coordinator and the HTTP surfaces.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"relay/cmd/identity"
	authapi "relay/cmd/internal/auth/api"
	"relay/cmd/internal/auth/session"
	"relay/cmd/internal/chat"
	chatapi "relay/cmd/internal/chat/api"
	"relay/cmd/internal/rtc"
)

// App owns the wired server runtime and its resource lifecycles.
type App struct {
	cfg Config
	log *slog.Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry

	coord   *rtc.Coordinator
	gateway *rtc.Gateway

	auth  *authapi.Handler
	chats *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	var (
		pool      *pgxpool.Pool
		dbEnabled bool

		userStore identity.Store
		chatStore chat.Store
		sessStore session.Store
	)
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		userStore = identity.NewInMemoryStore()
		chatStore = chat.NewInMemoryStore()
		sessStore = session.NewInMemoryStore()
	} else {
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

		users, err := identity.NewPostgresStore(p, identity.WithSchema(cfg.DBSchema))
		if err != nil {
			p.Close()
			return nil, err
		}
		chats, err := chat.NewPostgresStore(p, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			p.Close()
			return nil, err
		}
		sessions, err := session.NewPostgresStore(p, cfg.DBSchema)
		if err != nil {
			p.Close()
			return nil, err
		}

		pool, dbEnabled = p, true
		userStore, chatStore, sessStore = users, chats, sessions
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil && !dbEnabled && os.Getenv("RELAY_PASETO_V4_SECRET_KEY_HEX") == "" {
		// Memory mode without a signing key is a dev setup; mint an
		// ephemeral keypair so the server comes up. Tokens die with the
		// process.
		sessCfg = session.DefaultConfig()
		sessCfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
		log.Warn("auth.ephemeral_signing_key", "reason", "RELAY_PASETO_V4_SECRET_KEY_HEX not set")
		err = nil
	}
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	sessions := session.NewService(log, sessCfg, sessStore, tokens)

	registry := prometheus.NewRegistry()
	metrics := rtc.NewMetrics(registry)

	// The chat service is both the coordinator's membership source and the
	// caller of its notifications, so wire them in two steps.
	chatSvc := chat.NewService(log, chatStore, userStore, nil)
	coord := rtc.NewCoordinator(log, chatSvc, metrics)
	chatSvc.SetNotifier(coord)

	gateway := rtc.NewGateway(log, coord, sessions)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		registry:  registry,
		coord:     coord,
		gateway:   gateway,
		auth:      authapi.NewHandler(log, authapi.LoadConfigFromEnv(), userStore, sessions),
		chats:     chatapi.NewHandler(log, chatSvc, sessions),
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.registry, a.gateway, a.auth, a.chats)

	var handler http.Handler = mux
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "error", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a bind address into a URL a developer can click.
// Bind-all addresses map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
