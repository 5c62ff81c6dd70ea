package models

import (
	"strings"
	"time"
)

// MessageKind identifies the intent of a coordination message.
type MessageKind string

const (
	MessageAlert       MessageKind = "alert"
	MessageQuery       MessageKind = "query"
	MessageShare       MessageKind = "share"
	MessageStop        MessageKind = "stop"
	MessageMainUpdated MessageKind = "main_updated"
)

// BroadcastTarget addresses every registered loop.
const BroadcastTarget = "*"

// IsValid reports whether k is a known kind.
func (k MessageKind) IsValid() bool {
	switch k {
	case MessageAlert, MessageQuery, MessageShare, MessageStop, MessageMainUpdated:
		return true
	default:
		return false
	}
}

// CoordinationMessage is routed between loops and external watchers.
// It is passed by value and never modified after it is sent.
type CoordinationMessage struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to"`
	Payload   string      `json:"payload,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// IsBroadcast reports whether the message targets every loop.
func (m CoordinationMessage) IsBroadcast() bool {
	return IsBroadcastTarget(m.To)
}

// IsBroadcastTarget accepts "*" and "all".
func IsBroadcastTarget(to string) bool {
	to = strings.TrimSpace(to)
	return to == BroadcastTarget || strings.EqualFold(to, "all")
}

// Validate checks if the message is routable.
func (m CoordinationMessage) Validate() error {
	validation := &ValidationErrors{}
	if !m.Kind.IsValid() {
		validation.Add("kind", ErrInvalidMessageKind)
	}
	if strings.TrimSpace(m.To) == "" {
		validation.Add("to", ErrInvalidMessageTarget)
	}
	return validation.Err()
}
