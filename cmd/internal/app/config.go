package app

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	authapi "texter/cmd/internal/auth/api"
	"texter/cmd/internal/auth/session"
	"texter/cmd/internal/realtime"
	"texter/cmd/security/password"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store drivers accepted by TEXTER_STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"TEXTER_HTTP_ADDR,default=0.0.0.0:8080"`
	LogLevel  string `env:"TEXTER_LOG_LEVEL,default=info"`
	LogFormat string `env:"TEXTER_LOG_FORMAT,default=json"`
	LogColor  bool   `env:"TEXTER_LOG_COLOR,default=false"`

	ReadHeaderTimeout time.Duration `env:"TEXTER_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"TEXTER_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `env:"TEXTER_HTTP_WRITE_TIMEOUT,default=15s"`
	IdleTimeout       time.Duration `env:"TEXTER_HTTP_IDLE_TIMEOUT,default=60s"`
	ShutdownTimeout   time.Duration `env:"TEXTER_HTTP_SHUTDOWN_TIMEOUT,default=10s"`
	MaxHeaderBytes    int           `env:"TEXTER_HTTP_MAX_HEADER_BYTES,default=1048576"`

	// Comma-separated; "*" allows any origin, "http://host:*" any port.
	CORSAllowedOrigins   string `env:"TEXTER_CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	CORSAllowCredentials bool   `env:"TEXTER_CORS_ALLOW_CREDENTIALS,default=true"`
	CORSMaxAgeSeconds    int    `env:"TEXTER_CORS_MAX_AGE_SECONDS,default=600"`

	StoreDriver        string `env:"TEXTER_STORE_DRIVER,default=memory"`
	DatabaseURL        string `env:"TEXTER_DATABASE_URL"`
	DBMaxConns         int    `env:"TEXTER_DB_MAX_CONNS,default=10"`
	DBMinConns         int    `env:"TEXTER_DB_MIN_CONNS,default=0"`
	DBSchema           string `env:"TEXTER_DB_SCHEMA,default=texter"`
	ReadinessRequireDB bool   `env:"TEXTER_READINESS_REQUIRE_DB,default=false"`
	BadgerPath         string `env:"TEXTER_BADGER_PATH,default=./data/badger"`
	StoreRetryMax      int    `env:"TEXTER_STORE_RETRY_MAX,default=3"`

	DBConnMaxLifetime time.Duration `env:"TEXTER_DB_CONN_MAX_LIFETIME,default=30m"`
	DBConnMaxIdle     time.Duration `env:"TEXTER_DB_CONN_MAX_IDLE,default=5m"`

	RedisAddr        string `env:"TEXTER_REDIS_ADDR"`
	RedisPassword    string `env:"TEXTER_REDIS_PASSWORD"`
	RedisDB          int    `env:"TEXTER_REDIS_DB,default=0"`
	RedisPresenceKey string `env:"TEXTER_REDIS_PRESENCE_KEY,default=texter:presence:online"`

	AuthTokenFormat     string        `env:"TEXTER_AUTH_TOKEN_FORMAT,default=jwt"`
	AuthJWTSecret       string        `env:"TEXTER_AUTH_JWT_SECRET"`
	AuthPasetoSecretHex string        `env:"TEXTER_AUTH_PASETO_SECRET_HEX"`
	AuthAccessTTL       time.Duration `env:"TEXTER_AUTH_ACCESS_TTL,default=24h"`
	AuthClockSkew       time.Duration `env:"TEXTER_AUTH_CLOCK_SKEW,default=30s"`
	AuthIssuer          string        `env:"TEXTER_AUTH_ISSUER,default=texter"`

	AuthTrustProxy      bool          `env:"TEXTER_AUTH_TRUST_PROXY,default=false"`
	AuthMaxBodyBytes    int           `env:"TEXTER_AUTH_MAX_BODY_BYTES,default=1048576"`
	AuthLoginIPMax      int           `env:"TEXTER_AUTH_LOGIN_IP_MAX,default=20"`
	AuthLoginIPWindow   time.Duration `env:"TEXTER_AUTH_LOGIN_IP_WINDOW,default=5m"`
	AuthLoginUserWindow time.Duration `env:"TEXTER_AUTH_LOGIN_USER_WINDOW,default=2h"`
	AuthLockoutShort    int           `env:"TEXTER_AUTH_LOCKOUT_SHORT_THRESHOLD,default=5"`
	AuthLockoutLong     int           `env:"TEXTER_AUTH_LOCKOUT_LONG_THRESHOLD,default=10"`
	AuthLockoutSevere   int           `env:"TEXTER_AUTH_LOCKOUT_SEVERE_THRESHOLD,default=20"`
	HistoryMaxLimit     int           `env:"TEXTER_HISTORY_MAX_LIMIT,default=0"`

	PasswordMinLength  int  `env:"TEXTER_PASSWORD_MIN_LEN,default=8"`
	PasswordMaxLength  int  `env:"TEXTER_PASSWORD_MAX_LEN,default=256"`
	PasswordRejectWeak bool `env:"TEXTER_PASSWORD_REJECT_VERY_WEAK,default=false"`
	Argon2MemoryKiB    int  `env:"TEXTER_ARGON2_MEMORY_KIB,default=65536"`
	Argon2Iterations   int  `env:"TEXTER_ARGON2_ITERATIONS,default=3"`
	Argon2Parallelism  int  `env:"TEXTER_ARGON2_PARALLELISM,default=0"`

	WSSendQueue         int           `env:"TEXTER_WS_SEND_QUEUE,default=256"`
	WSWriteTimeout      time.Duration `env:"TEXTER_WS_WRITE_TIMEOUT,default=5s"`
	WSReadIdleTimeout   time.Duration `env:"TEXTER_WS_READ_IDLE_TIMEOUT,default=2m"`
	WSHeartbeatInterval time.Duration `env:"TEXTER_WS_HEARTBEAT_INTERVAL,default=25s"`
	WSHeartbeatTimeout  time.Duration `env:"TEXTER_WS_HEARTBEAT_TIMEOUT,default=5s"`
	WSOriginRequired    bool          `env:"TEXTER_WS_ORIGIN_REQUIRED,default=false"`
	WSAllowedOrigins    string        `env:"TEXTER_WS_ALLOWED_ORIGINS"`
	WSRateEvents        int           `env:"TEXTER_WS_RATE_EVENTS,default=120"`
	WSRateWindow        time.Duration `env:"TEXTER_WS_RATE_WINDOW,default=10s"`
	WSTypingRateEvents  int           `env:"TEXTER_WS_TYPING_RATE_EVENTS,default=60"`

	MetricsEnabled bool `env:"TEXTER_METRICS_ENABLED,default=true"`
	SeedBot        bool `env:"TEXTER_SEED_BOT,default=true"`
}

// LoadConfig reads .env (when present) and then the process environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules. Per-package rules are checked again by
// the packages themselves when the app is wired.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverBadger:
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: TEXTER_STORE_DRIVER=postgres requires TEXTER_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown TEXTER_STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DBMinConns > c.DBMaxConns {
		return errors.New("config: TEXTER_DB_MIN_CONNS exceeds TEXTER_DB_MAX_CONNS")
	}
	if err := c.sessionConfig().Validate(); err != nil {
		return fmt.Errorf("config: auth token settings: %w", err)
	}
	if err := c.passwordConfig().Check(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Format = strings.ToLower(strings.TrimSpace(c.AuthTokenFormat))
	cfg.Issuer = c.AuthIssuer
	cfg.AccessTokenTTL = c.AuthAccessTTL
	cfg.ClockSkew = c.AuthClockSkew
	cfg.JWTSecret = c.AuthJWTSecret
	cfg.PasetoV4SecretKeyHex = c.AuthPasetoSecretHex
	return cfg
}

func (c Config) passwordConfig() password.Config {
	cfg := password.DefaultConfig()
	cfg.Policy.MinLength = c.PasswordMinLength
	cfg.Policy.MaxLength = c.PasswordMaxLength
	cfg.Policy.RejectVeryWeak = c.PasswordRejectWeak
	cfg.Params.MemoryKiB = clampU32(c.Argon2MemoryKiB)
	cfg.Params.Iterations = clampU32(c.Argon2Iterations)
	if c.Argon2Parallelism > 0 {
		cfg.Params.Parallelism = uint8(min(c.Argon2Parallelism, 64)) // #nosec G115 -- clamped.
	} else {
		cfg.Params.Parallelism = uint8(min(max(runtime.NumCPU(), 1), 4)) // #nosec G115 -- clamped.
	}
	return cfg
}

func (c Config) authAPIConfig() authapi.Config {
	cfg := authapi.DefaultConfig()
	cfg.TrustProxy = c.AuthTrustProxy
	cfg.MaxBodyBytes = int64(c.AuthMaxBodyBytes)
	cfg.LoginIPMax = c.AuthLoginIPMax
	cfg.LoginIPWindow = c.AuthLoginIPWindow
	cfg.LoginUserWindow = c.AuthLoginUserWindow
	cfg.LockoutShortThreshold = c.AuthLockoutShort
	cfg.LockoutLongThreshold = c.AuthLockoutLong
	cfg.LockoutSevereThreshold = c.AuthLockoutSevere
	cfg.HistoryMaxLimit = c.HistoryMaxLimit
	return cfg
}

func (c Config) gatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		SendQueueSize:     c.WSSendQueue,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    splitList(c.WSAllowedOrigins),
	}
}

func (c Config) routerConfig() realtime.RouterConfig {
	return realtime.RouterConfig{
		StoreRetryMax:    c.StoreRetryMax,
		RateEvents:       c.WSRateEvents,
		TypingRateEvents: c.WSTypingRateEvents,
		RateWindow:       c.WSRateWindow,
	}
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampU32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > 1<<30 {
		return 1 << 30
	}
	return uint32(n) // #nosec G115 -- clamped above.
}
