// Package main provides a CI-friendly WebSocket smoke test for texter.
//
// It validates:
//   - registration and login over REST
//   - websocket handshake with the issued token
//   - presence broadcast when the second user connects
//   - typing relay and live chat delivery
//   - persisted history and contact list
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "texter/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const maxReadBytes = 1 << 20 // 1MiB

type frame map[string]any

type smokeClient struct {
	name     string
	userID   int64
	username string
	token    string
	conn     *websocket.Conn

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost:5173", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello texter 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	base := strings.TrimRight(*baseURL, "/")
	suffix := strings.ToLower(ulid.Make().String())[:10]

	a := mustSignUp(root, base, "A", "smoke_a_"+suffix, *timeout)
	b := mustSignUp(root, base, "B", "smoke_b_"+suffix, *timeout)

	mustConnect(root, base, a, *origin, *timeout)
	defer closeWS(a.conn)
	mustConnect(root, base, b, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%d B=%d origin=%q\n", a.userID, b.userID, *origin)
	}

	a.mustReadUntil(root, "presence online B", *timeout, func(f frame) bool {
		return f["type"] == v1.TypePresence && f.int64("user_id") == b.userID && f["status"] == v1.StatusOnline
	})

	mustWrite(root, a.conn, v1.InboundFrame{
		Type:       ptr(v1.TypeTyping),
		ReceiverID: &b.userID,
		IsTyping:   ptr(true),
	}, *timeout)
	b.mustReadUntil(root, "typing from A", *timeout, func(f frame) bool {
		return f["type"] == v1.TypeTyping && f.int64("sender_id") == a.userID && f["is_typing"] == true
	})

	mustWrite(root, a.conn, v1.InboundFrame{ReceiverID: &b.userID, Message: text}, *timeout)
	got := b.mustReadUntil(root, "chat from A", *timeout, func(f frame) bool {
		return f["type"] == nil && f["message"] != nil
	})
	if got["sender"] != a.username || got.int64("sender_id") != a.userID || got["message"] != *text {
		fatalf("chat mismatch: %v", got)
	}

	mustHistoryContains(root, base, a.userID, b.userID, *text, *timeout)
	mustContactsContain(root, base, b.username, a.username, *timeout)

	fmt.Printf("OK: A=%d B=%d message_id=%d\n", a.userID, b.userID, got.int64("id"))
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
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

func mustSignUp(parent context.Context, base, name, username string, stepTimeout time.Duration) *smokeClient {
	pass := "smoke-pass-" + username

	var user struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	mustPostJSON(parent, base+"/register", map[string]string{
		"username":   username,
		"first_name": "Smoke",
		"last_name":  name,
		"email":      username + "@smoke.test",
		"password":   pass,
	}, http.StatusCreated, &user, stepTimeout)

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	mustPostJSON(parent, base+"/login", map[string]string{
		"username": username,
		"password": pass,
	}, http.StatusOK, &tok, stepTimeout)
	if strings.TrimSpace(tok.AccessToken) == "" {
		fatalf("login %s: empty access_token", name)
	}

	return &smokeClient{
		name:     name,
		userID:   user.ID,
		username: user.Username,
		token:    tok.AccessToken,
		inbox:    make(chan frame, 512),
		errCh:    make(chan error, 1),
	}
}

func mustConnect(parent context.Context, base string, c *smokeClient, origin string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws/" + url.PathEscape(c.token)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", c.name, err)
	}

	conn.SetReadLimit(maxReadBytes)
	c.conn = conn
	c.startReadLoop()
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
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

func (c *smokeClient) mustReadUntil(parent context.Context, what string, stepTimeout time.Duration, match func(frame) bool) frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s): %v", what, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %s (%s): %v (close=%v)", what, c.name, err, websocket.CloseStatus(err))
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", what, c.name)
			}
			if f["type"] == v1.TypeError {
				fatalf("server error (%s): code=%v msg=%v", c.name, f["code"], f["message"])
			}
			if match(f) {
				return f
			}
		}
	}
}

func (f frame) int64(key string) int64 {
	n, _ := f[key].(float64)
	return int64(n)
}

func mustHistoryContains(parent context.Context, base string, a, b int64, text string, stepTimeout time.Duration) {
	var msgs []struct {
		SenderID   int64  `json:"sender_id"`
		ReceiverID int64  `json:"receiver_id"`
		Content    string `json:"content"`
	}
	mustGetJSON(parent, base+"/messages/"+strconv.FormatInt(b, 10)+"/"+strconv.FormatInt(a, 10), &msgs, stepTimeout)
	for _, m := range msgs {
		if m.SenderID == a && m.ReceiverID == b && m.Content == text {
			return
		}
	}
	fatalf("history missing expected message (%d -> %d)", a, b)
}

func mustContactsContain(parent context.Context, base, owner, contact string, stepTimeout time.Duration) {
	var users []struct {
		Username string `json:"username"`
	}
	mustGetJSON(parent, base+"/user_lists/chat_user/"+url.PathEscape(owner), &users, stepTimeout)
	for _, u := range users {
		if u.Username == contact {
			return
		}
	}
	fatalf("contacts of %s missing %s", owner, contact)
}

func mustPostJSON(parent context.Context, target string, body any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(mustJSON(body)))
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	mustDo(req, wantStatus, out)
}

func mustGetJSON(parent context.Context, target string, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	mustDo(req, http.StatusOK, out)
}

func mustDo(req *http.Request, wantStatus int, out any) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, wantStatus, b)
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			fatalf("%s %s: decode: %v", req.Method, req.URL.Path, err)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, v any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, mustJSON(v)); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func ptr[T any](v T) *T { return &v }

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
