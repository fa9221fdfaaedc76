package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max chat message length (runes). Matches messages.content VARCHAR(1000).
	maxMessageChars = 1000
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Typing frames have their own budget; overflow is dropped, not fatal.
	typingRateLimitEvents = 60

	// Storage retry defaults for transient append failures.
	storeRetryMax     = 3
	storeRetryInitial = 50 * time.Millisecond
	storeRetryCeiling = 1 * time.Second

	// Upper bound for best-effort presence mirror updates.
	presenceMirrorTimeout = 2 * time.Second
)
