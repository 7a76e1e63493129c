package model

type SessionStatus string

const (
	SessionStatusIdle   SessionStatus = "idle"
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

type Action string

const (
	ActionJoin      Action = "join"
	ActionLeave     Action = "leave"
	ActionHeartbeat Action = "heartbeat"
	ActionBroadcast Action = "broadcast"
)

func (a Action) Valid() bool {
	switch a {
	case ActionJoin, ActionLeave, ActionHeartbeat, ActionBroadcast:
		return true
	}
	return false
}

type AckStatus string

const (
	AckJoined AckStatus = "joined"
	AckLeft   AckStatus = "left"
	AckPong   AckStatus = "pong"
	AckError  AckStatus = "error"
)
