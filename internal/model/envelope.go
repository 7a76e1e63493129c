package model

import "encoding/json"

// Envelope is the control-plane message exchanged with clients.
type Envelope struct {
	Action    Action          `json:"action"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Ack struct {
	Status    AckStatus `json:"status"`
	SessionID string    `json:"session_id,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SessionEndedEvent is the terminal payload fanned out when a session ends.
type SessionEndedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

const EventTypeSessionEnded = "session_ended"
