package authapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"texter/cmd/identity"
	"texter/cmd/internal/realtime"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// TokenIssuer mints access tokens after a successful login.
type TokenIssuer interface {
	Issue(userID int64, username string) (string, time.Time, error)
}

// OnlineSource lists the ids of currently connected users.
type OnlineSource interface {
	OnlineUserIDs(ctx context.Context) ([]int64, error)
}

// OnlineFunc adapts a function to OnlineSource.
type OnlineFunc func(ctx context.Context) ([]int64, error)

func (f OnlineFunc) OnlineUserIDs(ctx context.Context) ([]int64, error) { return f(ctx) }

// Deps are the stores and services behind the REST surface.
type Deps struct {
	Users    identity.Store
	Tokens   TokenIssuer
	Messages realtime.MessageStore
	Online   OnlineSource
}

// Handler serves registration, login, history and user lists.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	deps     Deps
	validate *validator.Validate
	throttle *loginThrottle
	now      func() time.Time
}

// NewHandler validates deps and builds a Handler.
func NewHandler(log *slog.Logger, deps Deps, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case deps.Users == nil:
		return nil, errors.New("authapi: nil user store")
	case deps.Tokens == nil:
		return nil, errors.New("authapi: nil token issuer")
	case deps.Messages == nil:
		return nil, errors.New("authapi: nil message store")
	case deps.Online == nil:
		return nil, errors.New("authapi: nil online source")
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return identity.ValidUsername(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	cfg = cfg.normalize()
	return &Handler{
		log:      log,
		cfg:      cfg,
		deps:     deps,
		validate: v,
		throttle: newLoginThrottle(cfg),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /register", h.handleRegister)
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("GET /messages/{user_id}/{contact_id}", h.handleHistory)
	mux.HandleFunc("GET /user_lists/all_users/{username}", h.handleAllUsers)
	mux.HandleFunc("GET /user_lists/chat_user/{username}", h.handleChatUsers)
	mux.HandleFunc("GET /user_lists/online", h.handleOnline)
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	u, err := h.deps.Users.CreateUser(r.Context(), identity.CreateUserInput{
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Password:  req.Password,
		Now:       h.now(),
	})
	if err != nil {
		var ce identity.ConflictError
		switch {
		case errors.As(err, &ce):
			writeError(w, http.StatusConflict, "conflict", ce.Field+" already exists")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", invalidInputMessage(err))
		default:
			h.log.Error("auth.register.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.log.Info("auth.register.ok", "user_id", u.ID, "username", u.Username)
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeLogin(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := ipKey(clientIP(r, h.cfg.TrustProxy))
	userKey := identity.NormalizeUsername(req.Username)

	if blocked, retryAfter := h.throttle.check(ip, userKey, now); blocked {
		h.log.Warn("auth.login.throttled", "ip", ip, "username", userKey, "retry_after", retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	u, err := h.deps.Users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.throttle.recordFailure(ip, userKey, now)
			h.log.Info("auth.login.denied", "ip", ip, "username", userKey)
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.Error("auth.login.lookup.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	}
	h.throttle.recordSuccess(userKey)

	token, exp, err := h.deps.Tokens.Issue(u.ID, u.Username)
	if err != nil {
		h.log.Error("auth.login.issue.fail", "err", err, "user_id", u.ID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("auth.login.ok", "user_id", u.ID)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: exp})
}

// decodeLogin accepts a JSON body or an OAuth2-style password form.
func (h *Handler) decodeLogin(w http.ResponseWriter, r *http.Request) (loginRequest, error) {
	var req loginRequest

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		if mt == "multipart/form-data" {
			if err := r.ParseMultipartForm(h.cfg.MaxBodyBytes); err != nil {
				return req, err
			}
		} else if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	default:
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			return req, err
		}
	}

	req.Username = strings.TrimSpace(req.Username)
	return req, h.validate.Struct(req)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, err1 := parseUserID(r.PathValue("user_id"))
	contactID, err2 := parseUserID(r.PathValue("contact_id"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if h.cfg.HistoryMaxLimit > 0 && (limit == 0 || limit > h.cfg.HistoryMaxLimit) {
		limit = h.cfg.HistoryMaxLimit
	}

	msgs, err := h.deps.Messages.FetchConversation(r.Context(), realtime.FetchConversationInput{
		UserID:    userID,
		ContactID: contactID,
		Limit:     limit,
	})
	if err != nil {
		h.writeStorageError(w, "messages.history.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponses(msgs))
}

func (h *Handler) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.deps.Users.ListUsers(r.Context(), r.PathValue("username"))
	if err != nil {
		h.log.Error("user_lists.all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponses(users))
}

// handleChatUsers lists the users username has exchanged messages with,
// most recent conversation first. Unknown usernames get an empty list.
func (h *Handler) handleChatUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	me, err := h.deps.Users.GetUserByUsername(ctx, r.PathValue("username"))
	if err != nil {
		if identity.IsNotFound(err) {
			writeJSON(w, http.StatusOK, []userResponse{})
			return
		}
		h.log.Error("user_lists.chat.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	contacts, err := h.deps.Messages.Contacts(ctx, me.ID)
	if err != nil {
		h.writeStorageError(w, "user_lists.chat.contacts.fail", err)
		return
	}

	users, err := h.deps.Users.GetUsersByID(ctx, lo.Map(contacts, func(c realtime.Contact, _ int) int64 { return c.UserID }))
	if err != nil {
		h.log.Error("user_lists.chat.users.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	byID := lo.KeyBy(users, func(u identity.User) int64 { return u.ID })
	ordered := lo.FilterMap(contacts, func(c realtime.Contact, _ int) (userResponse, bool) {
		u, ok := byID[c.UserID]
		return toUserResponse(u), ok
	})
	writeJSON(w, http.StatusOK, ordered)
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	ids, err := h.deps.Online.OnlineUserIDs(r.Context())
	if err != nil {
		h.log.Error("user_lists.online.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "presence_unavailable", "online list unavailable")
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, onlineResponse{UserIDs: ids})
}

// ---- helpers ----

func (h *Handler) writeStorageError(w http.ResponseWriter, event string, err error) {
	h.log.Error(event, "err", err, "transient", realtime.IsTransient(err))
	if realtime.IsTransient(err) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	fields := lo.Uniq(lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return strings.ToLower(fe.Field())
	}))
	return "invalid fields: " + strings.Join(fields, ", ")
}

func invalidInputMessage(err error) string {
	var oe identity.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "invalid request"
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
