// Package app wires the texter server runtime: config, logging, storage,
// HTTP routes and the websocket gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"texter/cmd/identity"
	authapi "texter/cmd/internal/auth/api"
	"texter/cmd/internal/auth/session"
	"texter/cmd/internal/realtime"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Seeded assistant account, created on first start when SeedBot is set.
const (
	botUsername  = "TexterBot"
	botFirstName = "Texter"
	botLastName  = "Bot"
	botEmail     = "bot@texter.com"
)

// App owns every long-lived resource of the server.
type App struct {
	cfg Config
	log Logger

	dbPool   *pgxpool.Pool
	rdb      *redis.Client
	messages realtime.MessageStore
	users    identity.Store

	metrics *prometheus.Registry
	ws      *realtime.WSGateway
	auth    *authapi.Handler
}

// New constructs a fully wired App. On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	var reg prometheus.Registerer
	if cfg.MetricsEnabled {
		a.metrics = prometheus.NewRegistry()
		a.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = a.metrics
	}
	rtMetrics := realtime.NewMetrics(reg)

	if cfg.DatabaseURL != "" {
		a.dbPool, err = connectDB(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
	}

	hasher, err := identity.NewHasher(cfg.passwordConfig())
	if err != nil {
		return nil, err
	}
	if a.users, err = newUserStore(ctx, cfg, a.dbPool, hasher); err != nil {
		return nil, err
	}
	if a.messages, err = newMessageStore(ctx, cfg, a.dbPool, log); err != nil {
		return nil, err
	}

	var (
		mirror realtime.PresenceMirror
		online authapi.OnlineSource
	)
	registry := realtime.NewRegistry()
	online = authapi.OnlineFunc(func(context.Context) ([]int64, error) { return registry.OnlineUserIDs(), nil })

	if cfg.RedisAddr != "" {
		rm, err := a.connectRedis(ctx)
		if err != nil {
			return nil, err
		}
		mirror, online = rm, authapi.OnlineFunc(rm.Online)
	}

	tokens, err := session.NewAccessTokenManager(cfg.sessionConfig())
	if err != nil {
		return nil, fmt.Errorf("auth tokens: %w", err)
	}
	gate, err := session.NewGate(tokens, a.users)
	if err != nil {
		return nil, err
	}

	if cfg.SeedBot {
		if err := seedBot(ctx, a.users, log); err != nil {
			return nil, err
		}
	}

	broadcaster := realtime.NewBroadcaster(log, registry, mirror, rtMetrics)
	router := realtime.NewRouter(log, registry, a.messages, rtMetrics, cfg.routerConfig())

	a.ws, err = realtime.NewWSGateway(log, realtime.GatewayDeps{
		Auth:        gateAuth(gate),
		Registry:    registry,
		Router:      router,
		Broadcaster: broadcaster,
		Metrics:     rtMetrics,
	}, cfg.gatewayConfig())
	if err != nil {
		return nil, err
	}

	a.auth, err = authapi.NewHandler(log, authapi.Deps{
		Users:    a.users,
		Tokens:   gate,
		Messages: a.messages,
		Online:   online,
	}, cfg.authAPIConfig())
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Handler returns the full middleware-wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:     a.log,
		cfg:     a.cfg,
		dbPool:  a.dbPool,
		ws:      a.ws,
		auth:    a.auth,
		metrics: a.metrics,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
	// Hijacked websocket connections are invisible to Shutdown.
	srv.RegisterOnShutdown(func() {
		n := a.ws.CloseAll(websocket.StatusGoingAway, "server shutting down")
		a.log.Info("ws.shutdown", "closed", n)
	})

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws/{token}",
		"store_driver", a.cfg.StoreDriver,
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.rdb != nil,
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
		a.log.Error("server.fail", "err", err)
		a.closeResources()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	// Hijacked connections may still be appending; stores stay open until they finish.
	if werr := a.ws.Wait(shutdownCtx); werr != nil {
		a.log.Warn("ws.drain.timeout", "err", werr)
	}
	a.closeResources()

	a.log.Info("server.stopped")
	return err
}

// closeResources releases stores and clients in reverse order of creation.
func (a *App) closeResources() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
		a.rdb = nil
	}
	if a.messages != nil {
		if err := a.messages.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.messages = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// connectDB retries the initial connection so the server can start alongside its database.
func connectDB(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	if _, err := poolConfig(cfg); err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	var pool *pgxpool.Pool
	op := func() error {
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			log.Warn("db.connect.retry", "err", err)
			return err
		}
		pool = p
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	log.Info("db.connected", "max_conns", cfg.DBMaxConns)
	return pool, nil
}

func (a *App) connectRedis(ctx context.Context) (*realtime.RedisPresenceMirror, error) {
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	mirror, err := realtime.NewRedisPresenceMirror(a.rdb, a.cfg.RedisPresenceKey)
	if err != nil {
		return nil, err
	}
	if err := mirror.Reset(pingCtx); err != nil {
		return nil, fmt.Errorf("redis presence reset: %w", err)
	}
	a.log.Info("redis.connected", "addr", a.cfg.RedisAddr, "presence_key", a.cfg.RedisPresenceKey)
	return mirror, nil
}

// newUserStore keeps accounts in Postgres whenever a database is configured,
// independent of the message store driver.
func newUserStore(ctx context.Context, cfg Config, pool *pgxpool.Pool, hasher identity.Hasher) (identity.Store, error) {
	if pool == nil {
		return identity.NewMemoryStore(hasher), nil
	}
	st, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema), identity.WithHasher(hasher))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("identity schema: %w", err)
	}
	return st, nil
}

func newMessageStore(ctx context.Context, cfg Config, pool *pgxpool.Pool, log Logger) (realtime.MessageStore, error) {
	switch cfg.StoreDriver {
	case DriverPostgres:
		if pool == nil {
			return nil, errors.New("postgres store requires a database")
		}
		st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("message schema: %w", err)
		}
		log.Info("store.selected", "driver", DriverPostgres, "schema", cfg.DBSchema)
		return st, nil
	case DriverBadger:
		st, err := realtime.NewBadgerStore(cfg.BadgerPath, log)
		if err != nil {
			return nil, err
		}
		log.Info("store.selected", "driver", DriverBadger, "path", cfg.BadgerPath)
		return st, nil
	default:
		log.Info("store.selected", "driver", DriverMemory)
		return realtime.NewInMemoryStore(), nil
	}
}

// seedBot creates the assistant account unless it already exists.
func seedBot(ctx context.Context, users identity.Store, log Logger) error {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return err
	}

	u, err := users.CreateUser(ctx, identity.CreateUserInput{
		Username:  botUsername,
		FirstName: botFirstName,
		LastName:  botLastName,
		Email:     botEmail,
		Password:  hex.EncodeToString(secret),
		Role:      identity.RoleBot,
		Now:       time.Now().UTC(),
	})
	switch {
	case err == nil:
		log.Info("seed.bot.created", "user_id", u.ID, "username", u.Username)
		return nil
	case identity.IsConflict(err):
		log.Debug("seed.bot.exists", "username", botUsername)
		return nil
	default:
		return fmt.Errorf("seed bot: %w", err)
	}
}

// gateAuth adapts the session gate to the websocket authenticator.
func gateAuth(g *session.Gate) realtime.AuthFunc {
	return func(ctx context.Context, token string) (realtime.Identity, error) {
		id, err := g.Resolve(ctx, token)
		if errors.Is(err, session.ErrInvalidToken) {
			return realtime.Identity{}, fmt.Errorf("%w: %w", realtime.ErrUnauthorized, err)
		}
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{UserID: id.UserID, Username: id.Username}, nil
	}
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
