package model

import "time"

// Session mirrors a row of the external session metadata store. This service
// only reads it and flips status on start/end.
type Session struct {
	ID        string        `db:"id" json:"id"`
	Title     *string       `db:"title" json:"title,omitempty"`
	Status    SessionStatus `db:"status" json:"status"`
	StartedAt *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	EndedAt   *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time     `db:"updated_at" json:"updatedAt"`
}

func (s *Session) IsActive() bool {
	return s != nil && s.Status == SessionStatusActive
}

// SessionStats is what the admin API reports for a live session.
type SessionStats struct {
	SessionID     string        `json:"sessionId"`
	Status        SessionStatus `json:"status"`
	ViewerCount   int64         `json:"viewerCount"`
	Connections   int           `json:"connections"`
	ActiveViewers int           `json:"activeViewers"`
}
