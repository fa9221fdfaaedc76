package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// maxFailuresPerKey bounds memory per ip or username.
const maxFailuresPerKey = 64

// sweepAbove triggers a full sweep of expired keys.
const sweepAbove = 10_000

// loginThrottle remembers recent failed logins per client IP and per username.
type loginThrottle struct {
	cfg   Config
	tiers []lockoutTier

	mu     sync.Mutex
	byIP   map[string][]time.Time
	byUser map[string][]time.Time
}

func newLoginThrottle(cfg Config) *loginThrottle {
	return &loginThrottle{
		cfg:    cfg,
		tiers:  cfg.lockoutTiers(),
		byIP:   make(map[string][]time.Time),
		byUser: make(map[string][]time.Time),
	}
}

// check reports whether a login for (ip, user) must be refused and for how long.
func (t *loginThrottle) check(ip, user string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ip != "" {
		if blocked, retry := evaluateWindowThrottle(now, t.byIP[ip], t.cfg.LoginIPMax, t.cfg.LoginIPWindow); blocked {
			return true, retry
		}
	}
	if user != "" {
		return evaluateProgressiveLockout(now, t.byUser[user], t.tiers)
	}
	return false, 0
}

func (t *loginThrottle) recordFailure(ip, user string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ip != "" {
		t.byIP[ip] = appendFailure(t.byIP[ip], now, now.Add(-t.cfg.LoginIPWindow))
	}
	if user != "" {
		t.byUser[user] = appendFailure(t.byUser[user], now, now.Add(-t.cfg.LoginUserWindow))
	}
	if len(t.byIP)+len(t.byUser) > sweepAbove {
		sweep(t.byIP, now.Add(-t.cfg.LoginIPWindow))
		sweep(t.byUser, now.Add(-t.cfg.LoginUserWindow))
	}
}

// recordSuccess forgets the username's failures. IP failures stay.
func (t *loginThrottle) recordSuccess(user string) {
	t.mu.Lock()
	delete(t.byUser, user)
	t.mu.Unlock()
}

// appendFailure keeps failures newest first, dropping ones before cut.
func appendFailure(failures []time.Time, now, cut time.Time) []time.Time {
	out := make([]time.Time, 0, len(failures)+1)
	out = append(out, now)
	for _, f := range failures {
		if len(out) == maxFailuresPerKey {
			break
		}
		if f.After(cut) {
			out = append(out, f)
		}
	}
	return out
}

func sweep(m map[string][]time.Time, cut time.Time) {
	for k, failures := range m {
		if len(failures) == 0 || !failures[0].After(cut) {
			delete(m, k)
		}
	}
}

// evaluateWindowThrottle blocks once max failures fall inside window. The
// retry delay is the time until the oldest of them leaves the window.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	var (
		count  int
		oldest time.Time
	)
	for _, f := range failures {
		if !f.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || f.Before(oldest) {
			oldest = f
		}
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

// evaluateProgressiveLockout applies the first tier whose threshold is met and
// whose lockout, counted from the latest failure, has not yet expired.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	latest := failures[0]
	for _, f := range failures[1:] {
		if f.After(latest) {
			latest = f
		}
	}
	for _, tier := range tiers {
		if tier.Threshold <= 0 || len(failures) < tier.Threshold {
			continue
		}
		if until := latest.Add(tier.Duration); until.After(now) {
			return true, until.Sub(now)
		}
	}
	return false, 0
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
