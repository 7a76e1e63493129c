package model

import "time"

// ViewerPresenceRecord accounts for one viewer's occupancy of one session.
// WatchDuration accumulates across episodes; LeftAt is nil while active.
type ViewerPresenceRecord struct {
	SessionID     string        `json:"sessionId"`
	ViewerID      string        `json:"viewerId"`
	JoinedAt      time.Time     `json:"joinedAt"`
	LeftAt        *time.Time    `json:"leftAt,omitempty"`
	LastSeen      time.Time     `json:"lastSeen"`
	WatchDuration time.Duration `json:"watchDuration"`
	IsActive      bool          `json:"isActive"`
}

// PresenceEpisode is a closed ABSENT -> ACTIVE -> ABSENT cycle as archived
// in the presence_episodes table.
type PresenceEpisode struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"sessionId"`
	ViewerID   string    `db:"viewer_id" json:"viewerId"`
	JoinedAt   time.Time `db:"joined_at" json:"joinedAt"`
	LeftAt     time.Time `db:"left_at" json:"leftAt"`
	DurationMs int64     `db:"duration_ms" json:"durationMs"`
	Reason     string    `db:"reason" json:"reason"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

type CreatePresenceEpisodeParams struct {
	SessionID string
	ViewerID  string
	JoinedAt  time.Time
	LeftAt    time.Time
	Duration  time.Duration
	Reason    string
}
