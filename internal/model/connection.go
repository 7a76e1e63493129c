package model

import "time"

// Connection is one live transport link. SessionID is empty while unbound.
type Connection struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId,omitempty"`
	ViewerID    string    `json:"viewerId"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

func (c Connection) Bound() bool {
	return c.SessionID != ""
}
