// Package v1 defines the texter realtime wire contract.
//
// Field names are snake_case to stay compatible with existing web clients.
// This package is dependency-light and shared between the server, the smoke tool and tests.
package v1

import "time"

// Type constants (wire-stable).
const (
	// TypeTyping carries a typing indicator (both directions).
	TypeTyping = "typing"
	// TypeChat is optional on inbound chat frames; a frame without "type" is a chat frame.
	TypeChat = "chat"
	// TypePresence announces that a user came online or went offline (server -> client).
	TypePresence = "presence"
	// TypeError reports a rejected frame or a server-side failure (server -> client).
	TypeError = "error"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Error codes carried by ErrorFrame.
const (
	CodeUnsupportedFrame   = "unsupported_frame"
	CodeRateLimited        = "rate_limited"
	CodeStorageUnavailable = "storage_unavailable"
)

// InboundFrame is the union of every field a client may send.
// Pointers distinguish "absent" from zero values so the server can validate shape.
type InboundFrame struct {
	Type       *string `json:"type,omitempty"`
	ReceiverID *int64  `json:"receiver_id,omitempty"`
	IsTyping   *bool   `json:"is_typing,omitempty"`
	Message    *string `json:"message,omitempty"`
}

// PresenceFrame is broadcast to every connected user.
type PresenceFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// TypingFrame is relayed to the receiver of a typing indicator.
type TypingFrame struct {
	Type     string `json:"type"`
	SenderID int64  `json:"sender_id"`
	IsTyping bool   `json:"is_typing"`
}

// ChatFrame is delivered live to the receiver after the message was persisted.
type ChatFrame struct {
	Sender     string    `json:"sender"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Message    string    `json:"message"`
	ID         int64     `json:"id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorFrame is a generic error response.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
