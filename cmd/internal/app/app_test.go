package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"texter/cmd/identity"
	"texter/cmd/internal/auth/session"
	"texter/cmd/internal/realtime"
	"texter/cmd/security/password"

	"github.com/coder/websocket"
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
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
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
		{in: "https://chat.example.com", want: "wss://chat.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	t.Setenv("TEXTER_AUTH_JWT_SECRET", testJWTSecret)
	t.Setenv("TEXTER_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("TEXTER_ARGON2_ITERATIONS", "1")
	t.Setenv("TEXTER_ARGON2_PARALLELISM", "1")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.ws.CloseAll(websocket.StatusGoingAway, "test done")
		srv.Close()
		a.closeResources()
	})
	return a, srv
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()

	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		t.Fatalf("POST %s: status %d", url, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestApp_OperationalRoutes(t *testing.T) {
	_, srv := newTestApp(t)

	cases := []struct {
		path   string
		status int
		want   string
	}{
		{"/", http.StatusOK, "running"},
		{"/health", http.StatusOK, `"status":"ok"`},
		{"/healthz", http.StatusOK, "ok"},
		{"/readyz", http.StatusOK, "ready"},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/user_lists/all_users/nobody", http.StatusOK, "TexterBot"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		status, body := getBody(t, srv.URL+tc.path)
		if status != tc.status || !strings.Contains(body, tc.want) {
			t.Fatalf("GET %s: status=%d body=%q", tc.path, status, body)
		}
	}
}

func TestApp_RegisterLoginChat(t *testing.T) {
	_, srv := newTestApp(t)

	for _, name := range []string{"alice", "bob"} {
		postJSON(t, srv.URL+"/register", map[string]string{
			"username":   name,
			"first_name": name,
			"last_name":  "Test",
			"email":      name + "@example.com",
			"password":   "correct horse " + name,
		})
	}

	login := func(name string) string {
		out := postJSON(t, srv.URL+"/login", map[string]string{"username": name, "password": "correct horse " + name})
		tok, _ := out["access_token"].(string)
		if tok == "" {
			t.Fatalf("login %s: no token in %v", name, out)
		}
		return tok
	}

	dial := func(token string) *websocket.Conn {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, resp, err := websocket.Dial(ctx, wsBaseURL(srv.URL)+"/ws/"+token, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = conn.CloseNow() })
		return conn
	}

	read := func(conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
		for range 20 {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, b, err := conn.Read(ctx)
			cancel()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("unmarshal %s: %v", b, err)
			}
			if match(m) {
				return m
			}
		}
		t.Fatalf("expected frame not received")
		return nil
	}

	alice := dial(login("alice"))
	waitOnline(t, srv.URL, 2)
	bob := dial(login("bob"))

	// TexterBot is user 1; alice and bob follow in registration order.
	read(alice, func(m map[string]any) bool {
		return m["type"] == "presence" && m["user_id"] == float64(3) && m["status"] == "online"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := alice.Write(ctx, websocket.MessageText, []byte(`{"receiver_id":3,"message":"hi bob"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := read(bob, func(m map[string]any) bool { return m["message"] != nil })
	if got["sender"] != "alice" || got["sender_id"] != float64(2) || got["message"] != "hi bob" {
		t.Fatalf("unexpected chat frame: %v", got)
	}

	status, body := getBody(t, srv.URL+"/messages/2/3")
	if status != http.StatusOK || !strings.Contains(body, `"content":"hi bob"`) {
		t.Fatalf("history: status=%d body=%s", status, body)
	}

	status, body = getBody(t, srv.URL+"/user_lists/chat_user/bob")
	if status != http.StatusOK || !strings.Contains(body, `"username":"alice"`) {
		t.Fatalf("contacts: status=%d body=%s", status, body)
	}

	waitOnline(t, srv.URL, 2, 3)
}

// waitOnline polls the online list until every id in want is present.
func waitOnline(t *testing.T, base string, want ...int64) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, body := getBody(t, base+"/user_lists/online")
		var out struct {
			UserIDs []int64 `json:"user_ids"`
		}
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			t.Fatalf("online body %q: %v", body, err)
		}
		seen := map[int64]bool{}
		for _, id := range out.UserIDs {
			seen[id] = true
		}
		all := true
		for _, id := range want {
			all = all && seen[id]
		}
		if all {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("users %v never all online", want)
}

func TestApp_WSRejectsBadToken(t *testing.T) {
	_, srv := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, wsBaseURL(srv.URL)+"/ws/not-a-token", nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.CloseNow()
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before the handshake, got resp=%v err=%v", resp, err)
	}
}

func TestSeedBot_Idempotent(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := identity.NewMemoryStore(cheapHasher(t))
	for range 2 {
		if err := seedBot(context.Background(), users, log); err != nil {
			t.Fatalf("seedBot: %v", err)
		}
	}
	u, err := users.GetUserByUsername(context.Background(), botUsername)
	if err != nil {
		t.Fatalf("lookup bot: %v", err)
	}
	if u.Role != identity.RoleBot || u.Email != botEmail || u.FirstName != botFirstName {
		t.Fatalf("unexpected bot: %+v", u)
	}
}

func cheapHasher(t *testing.T) identity.Hasher {
	t.Helper()

	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	h, err := identity.NewHasher(cfg)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}

type stubDirectory struct{ err error }

func (d stubDirectory) UserIDByUsername(context.Context, string) (int64, error) { return 1, d.err }

func TestGateAuth_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	scfg := session.DefaultConfig()
	scfg.JWTSecret = testJWTSecret
	mgr, err := session.NewAccessTokenManager(scfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}

	ok, _ := session.NewGate(mgr, stubDirectory{})
	tok, _, err := ok.Issue(1, "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if id, err := gateAuth(ok).Resolve(context.Background(), tok); err != nil || id.UserID != 1 {
		t.Fatalf("valid token: id=%+v err=%v", id, err)
	}
	if _, err := gateAuth(ok).Resolve(context.Background(), "bogus"); !errors.Is(err, realtime.ErrUnauthorized) {
		t.Fatalf("bad token: expected ErrUnauthorized, got %v", err)
	}

	down, _ := session.NewGate(mgr, stubDirectory{err: errors.New("db down")})
	_, err = gateAuth(down).Resolve(context.Background(), tok)
	if err == nil || errors.Is(err, realtime.ErrUnauthorized) {
		t.Fatalf("directory outage must not look like a rejected token, got %v", err)
	}
}
