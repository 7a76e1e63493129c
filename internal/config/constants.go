package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Presence history retention job interval
const CleanupJobInterval = time.Hour

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// WebSocket settings
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSMaxMessageSize  = 64 * 1024
	WSPingInterval    = 20 * time.Second
	WSSendQueueSize   = 64
)

// Largest admin request body, and so the largest broadcast payload
const MaxBroadcastPayloadSize = WSMaxMessageSize

// SSE keepalive comment interval
const SSEKeepaliveInterval = 30 * time.Second

// Archive writes run detached from the request that closed the episode.
const ArchiveWriteTimeout = 5 * time.Second

// Cross-instance relay channel for session events
const RelayChannel = "presence:relay"
