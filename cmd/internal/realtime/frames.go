package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	v1 "texter/shared/contracts/realtime/v1"

	"github.com/go-playground/validator/v10"
)

// Frame is one parsed inbound frame: TypingFrame, ChatFrame or UnsupportedFrame.
type Frame interface {
	kind() string
}

// TypingFrame is an ephemeral typing indicator addressed to ReceiverID.
type TypingFrame struct {
	ReceiverID int64
	IsTyping   bool
}

// ChatFrame is a direct message addressed to ReceiverID.
type ChatFrame struct {
	ReceiverID int64
	Content    string
}

// UnsupportedFrame is any payload that is neither a valid typing nor a valid chat frame.
type UnsupportedFrame struct {
	Reason string
}

func (TypingFrame) kind() string      { return v1.TypeTyping }
func (ChatFrame) kind() string        { return v1.TypeChat }
func (UnsupportedFrame) kind() string { return "unsupported" }

type typingShape struct {
	ReceiverID *int64 `validate:"required,gt=0"`
	IsTyping   *bool  `validate:"required"`
}

type chatShape struct {
	ReceiverID *int64  `validate:"required,gt=0"`
	Message    *string `validate:"required"`
}

var frameValidate = validator.New(validator.WithRequiredStructEnabled())

// ParseFrame decodes and validates one inbound payload.
// It never returns an error: malformed input is an UnsupportedFrame.
func ParseFrame(data []byte) Frame {
	var in v1.InboundFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&in); err != nil {
		return UnsupportedFrame{Reason: "invalid JSON"}
	}
	if dec.More() {
		return UnsupportedFrame{Reason: "trailing data after frame"}
	}

	typ := ""
	if in.Type != nil {
		typ = strings.TrimSpace(*in.Type)
	}

	switch typ {
	case v1.TypeTyping:
		if err := frameValidate.Struct(typingShape{ReceiverID: in.ReceiverID, IsTyping: in.IsTyping}); err != nil {
			return UnsupportedFrame{Reason: "typing frame requires receiver_id and is_typing"}
		}
		return TypingFrame{ReceiverID: *in.ReceiverID, IsTyping: *in.IsTyping}

	case "", v1.TypeChat:
		if err := frameValidate.Struct(chatShape{ReceiverID: in.ReceiverID, Message: in.Message}); err != nil {
			return UnsupportedFrame{Reason: "chat frame requires receiver_id and message"}
		}
		msg := *in.Message
		if strings.TrimSpace(msg) == "" {
			return UnsupportedFrame{Reason: "empty message"}
		}
		// Postgres text cannot hold NUL.
		if strings.ContainsRune(msg, 0) {
			return UnsupportedFrame{Reason: "message contains NUL character"}
		}
		if err := frameValidate.Var(msg, fmt.Sprintf("max=%d", maxMessageChars)); err != nil {
			return UnsupportedFrame{Reason: fmt.Sprintf("message too long: max=%d chars", maxMessageChars)}
		}
		return ChatFrame{ReceiverID: *in.ReceiverID, Content: msg}

	default:
		return UnsupportedFrame{Reason: fmt.Sprintf("unsupported type: %s", typ)}
	}
}

func encodePresence(ev PresenceEvent) ([]byte, error) {
	return json.Marshal(v1.PresenceFrame{Type: v1.TypePresence, UserID: ev.UserID, Status: ev.Status})
}

func encodeTyping(senderID int64, isTyping bool) ([]byte, error) {
	return json.Marshal(v1.TypingFrame{Type: v1.TypeTyping, SenderID: senderID, IsTyping: isTyping})
}

func encodeChat(sender string, m StoredMessage) ([]byte, error) {
	return json.Marshal(v1.ChatFrame{
		Sender:     sender,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Message:    m.Content,
		ID:         m.ID,
		Timestamp:  m.Timestamp,
	})
}

func encodeError(code, msg string) []byte {
	b, _ := json.Marshal(v1.ErrorFrame{Type: v1.TypeError, Code: code, Message: msg})
	return b
}
