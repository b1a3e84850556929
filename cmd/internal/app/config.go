package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, RELAY_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) so refresh
	// tokens are stored keyed-hashed.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogPretty: EnvBool("RELAY_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBSchema:    EnvString("RELAY_DB_SCHEMA", "relay"),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),

		CORSAllowedOrigins:   EnvCSV("RELAY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("RELAY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("RELAY_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("RELAY_REQUIRE_TOKEN_HMAC", false),
	}
}
