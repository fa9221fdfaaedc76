package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "texter/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "texter.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Identity is the user behind a resolved access token.
type Identity struct {
	UserID   int64
	Username string
}

// Authenticator resolves an opaque access token to an Identity.
// A rejected token is reported with an error wrapping ErrUnauthorized;
// any other error means the token could not be checked.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(ctx context.Context, token string) (Identity, error)

// Resolve calls f(ctx, token).
func (f AuthFunc) Resolve(ctx context.Context, token string) (Identity, error) { return f(ctx, token) }

// GatewayConfig tunes the websocket transport. Zero values fall back to defaults.
type GatewayConfig struct {
	SendQueueSize     int
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Origin policy. An empty AllowedOrigins with OriginRequired=false accepts same-host only.
	OriginRequired bool
	AllowedOrigins []string
}

// GatewayDeps are the collaborators shared by every connection.
type GatewayDeps struct {
	Auth        Authenticator
	Registry    *Registry
	Router      *Router
	Broadcaster *Broadcaster
	Metrics     *Metrics
}

// WSGateway is the websocket entrypoint: it authenticates, registers, announces
// presence and runs the router loop for each connection.
type WSGateway struct {
	log *slog.Logger

	auth        Authenticator
	registry    *Registry
	router      *Router
	broadcaster *Broadcaster
	metrics     *Metrics

	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	// live counts upgraded connections until their cleanup has finished.
	live sync.WaitGroup
}

// NewWSGateway constructs a gateway. Auth is required; other nil deps get in-process defaults.
func NewWSGateway(log *slog.Logger, deps GatewayDeps, cfg GatewayConfig) (*WSGateway, error) {
	if deps.Auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Router == nil {
		deps.Router = NewRouter(log, deps.Registry, nil, deps.Metrics, RouterConfig{})
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewBroadcaster(log, deps.Registry, nil, deps.Metrics)
	}

	g := &WSGateway{
		log:              log,
		auth:             deps.Auth,
		registry:         deps.Registry,
		router:           deps.Router,
		broadcaster:      deps.Broadcaster,
		metrics:          deps.Metrics,
		originRequired:   cfg.OriginRequired,
		allowedOrigins:   cfg.AllowedOrigins,
		writeTimeout:     orDefault(cfg.WriteTimeout, wsDefaultWriteTimeout),
		readIdleTimeout:  orDefault(cfg.ReadIdleTimeout, wsDefaultReadIdle),
		heartbeatEvery:   orDefault(cfg.HeartbeatInterval, heartbeatInterval),
		heartbeatTimeout: orDefault(cfg.HeartbeatTimeout, heartbeatTimeout),
		sendQueueSize:    cfg.SendQueueSize,
	}

	if g.sendQueueSize <= 0 {
		g.sendQueueSize = wsDefaultSendQueueSize
	}
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	// websocket.Accept enforces its own origin policy; patterns derived from the
	// allowlist keep both layers in agreement.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the token (path value "token" or ?token=), upgrades
// the request and runs the connection until it closes. A rejected token is
// refused with 403 before the upgrade.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.handshakeRejected("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token := strings.TrimSpace(r.PathValue("token"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}

	ident, authErr := g.auth.Resolve(r.Context(), token)
	if errors.Is(authErr, ErrUnauthorized) {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr, "err", authErr)
		g.metrics.handshakeRejected("auth")
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	// Counted before the hijack so http.Server.Shutdown still covers the gap until Wait can see it.
	g.live.Add(1)
	defer g.live.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsSubprotocolV1},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}

	if authErr != nil {
		g.log.Error("ws.auth.unavailable", "remote", r.RemoteAddr, "err", authErr)
		_ = conn.Close(websocket.StatusInternalError, "auth unavailable")
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	g.serve(r.Context(), conn, ident)
}

// serve owns conn for the lifetime of one authenticated session.
func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, ident Identity) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	client := NewClient(ident.UserID, ident.Username, NewSessionID(time.Now().UTC()), g.sendQueueSize)
	log := g.log.With("session_id", client.SessionID(), "user_id", ident.UserID)

	// readDone is closed once the router stops reading, so the writer knows
	// whether it has to close the conn to unblock a pending Read.
	readDone := make(chan struct{})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, readDone, log)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, log)
	}()

	if prev := g.registry.Register(ident.UserID, client); prev != nil {
		log.Info("ws.superseded")
		prev.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
	g.metrics.connOpened()
	log.Info("ws.open")

	defer func() {
		g.metrics.connClosed()
		g.registry.Release(ident.UserID, client)
		// Skipped by the broadcaster while a superseding connection keeps the user registered.
		g.broadcaster.Broadcast(context.WithoutCancel(ctx), PresenceEvent{UserID: ident.UserID, Status: v1.StatusOffline})
	}()

	g.broadcaster.Broadcast(ctx, PresenceEvent{UserID: ident.UserID, Status: v1.StatusOnline})

	relayErr := g.router.Relay(ctx, Session{
		UserID:   ident.UserID,
		Username: ident.Username,
		Channel:  client,
	}, &wsReceiver{conn: conn, idle: g.readIdleTimeout})
	close(readDone)

	code, reason := closeStatusFor(relayErr)
	client.Close(code, reason)
	code, reason = client.CloseStatus()
	log.Info("ws.close", "code", int(code), "reason", reason, "cause", relayErr)

	<-writerDone
	finishConn(conn, code, reason)

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// writeLoop drains the client's queue. Once the client is closed it flushes
// what is queued (bounded by wsCloseGrace) and, if the router is still
// reading, closes the conn itself.
func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, readDone <-chan struct{}, log *slog.Logger) {
	for {
		select {
		case frame := <-client.Outbound():
			if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
				log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				client.Close(websocket.StatusAbnormalClosure, "write failed")
				_ = conn.CloseNow()
				return
			}
		case <-client.Done():
			g.flush(ctx, conn, client)
			select {
			case <-readDone:
			default:
				code, reason := client.CloseStatus()
				finishConn(conn, code, reason)
			}
			return
		}
	}
}

func (g *WSGateway) flush(ctx context.Context, conn *websocket.Conn, client *Client) {
	deadline := time.Now().Add(wsCloseGrace)
	for time.Now().Before(deadline) {
		select {
		case frame := <-client.Outbound():
			if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger) {
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
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					client.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// CloseAll asks every registered connection to close. Used on server shutdown
// because hijacked connections are not tracked by http.Server.
func (g *WSGateway) CloseAll(code websocket.StatusCode, reason string) int {
	snap := g.registry.Snapshot()
	for _, e := range snap {
		e.Channel.Close(code, reason)
	}
	return len(snap)
}

// Wait blocks until every upgraded connection has finished its cleanup or ctx is done.
// Stores can be closed safely once it returns nil.
func (g *WSGateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- receive ----

type wsReceiver struct {
	conn *websocket.Conn
	idle time.Duration
}

// Receive returns the next text or binary payload. Every error is terminal and wraps ErrDisconnected.
func (rx *wsReceiver) Receive(ctx context.Context) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, rx.idle)
	defer cancel()

	mt, data, err := rx.conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("%w: unsupported message type: %v", ErrDisconnected, mt)
	}
	return data, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// finishConn sends a close frame when the status permits one and drops the transport otherwise.
func finishConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	switch code {
	case websocket.StatusAbnormalClosure, websocket.StatusNoStatusRcvd, websocket.StatusTLSHandshake:
		_ = conn.CloseNow()
	default:
		_ = conn.Close(code, reason)
	}
}

// ---- close classification ----

func closeStatusFor(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, "bye"
	case errors.Is(err, ErrRateLimited):
		return websocket.StatusPolicyViolation, "rate limited"
	case errors.Is(err, ErrStorage):
		return websocket.StatusInternalError, "storage unavailable"
	}

	switch classifyReadErr(err) {
	case readErrClose:
		return websocket.StatusNormalClosure, "peer closed"
	case readErrCtxDone:
		return websocket.StatusGoingAway, "read idle timeout"
	case readErrConnClosed:
		return websocket.StatusAbnormalClosure, "conn closed"
	case readErrTooBig:
		return websocket.StatusMessageTooBig, "frame too large"
	default:
		return websocket.StatusAbnormalClosure, "read failed"
	}
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrTooBig
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrConnClosed
	}
	if strings.Contains(err.Error(), "read limited at") {
		return readErrTooBig
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		// No allowlist: websocket.Accept still enforces same-host.
		return nil
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
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

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins maps the allowlist to host patterns
// for websocket.Accept ("*" stays a wildcard).
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
