package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ControlAction is the type of a persisted control queue item.
type ControlAction string

const (
	// ControlMessage forwards a CoordinationMessage to the coordinator.
	ControlMessage ControlAction = "message"
	ControlPause   ControlAction = "pause"
	ControlResume  ControlAction = "resume"
	ControlUnblock ControlAction = "unblock"
)

// ControlStatus represents the status of a control queue item.
type ControlStatus string

const (
	ControlStatusPending    ControlStatus = "pending"
	ControlStatusDispatched ControlStatus = "dispatched"
	ControlStatusFailed     ControlStatus = "failed"
)

// ControlItem is a request written by one process (usually the CLI) and
// executed by the daemon that owns the target loop.
type ControlItem struct {
	ID           string          `json:"id"`
	Target       string          `json:"target"`
	Action       ControlAction   `json:"action"`
	Status       ControlStatus   `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// NewMessageControl wraps a coordination message in a control item.
func NewMessageControl(msg CoordinationMessage) (*ControlItem, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return &ControlItem{Target: msg.To, Action: ControlMessage, Payload: payload}, nil
}

// Message decodes the payload of a message control item.
func (c *ControlItem) Message() (CoordinationMessage, error) {
	var msg CoordinationMessage
	if c.Action != ControlMessage {
		return msg, fmt.Errorf("control item %s is %q, not a message", c.ID, c.Action)
	}
	if err := json.Unmarshal(c.Payload, &msg); err != nil {
		return msg, fmt.Errorf("invalid message payload: %w", err)
	}
	return msg, nil
}

// Validate checks if the control item is valid.
func (c *ControlItem) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(c.Target) == "" {
		validation.Add("target", ErrInvalidMessageTarget)
	}
	if validation.Err() != nil {
		return validation.Err()
	}

	switch c.Action {
	case ControlMessage:
		msg, err := c.Message()
		if err != nil {
			return err
		}
		return msg.Validate()
	case ControlPause, ControlResume, ControlUnblock:
		if IsBroadcastTarget(c.Target) {
			return errors.New("control actions require a single loop target")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidControlAction, c.Action)
	}
}
