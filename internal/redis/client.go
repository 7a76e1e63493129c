package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// Registry keys are namespaced per node: each node owns the connections
// whose sockets it holds.
func ConnectionKey(node, connID string) string {
	return fmt.Sprintf("presence:%s:conn:%s", node, connID)
}

func SessionMembersKey(node, sessionID string) string {
	return fmt.Sprintf("presence:%s:session:%s:members", node, sessionID)
}

func LastSeenKey(node string) string {
	return fmt.Sprintf("presence:%s:lastseen", node)
}

// NodesKey indexes nodes by the time of their last sweep.
func NodesKey() string {
	return "presence:nodes"
}

func ViewerCountKey(sessionID string) string {
	return fmt.Sprintf("presence:session:%s:viewers", sessionID)
}

func BroadcastRateKey(sessionID string) string {
	return fmt.Sprintf("ratelimit:broadcast:%s", sessionID)
}

var transientPrefixes = []string{"BUSY", "TRYAGAIN", "LOADING", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

// IsTransient reports whether err is worth retrying: contention on a WATCHed
// key, a server that is temporarily refusing writes, or a network failure.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, prefix := range transientPrefixes {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
		return false
	}

	return strings.Contains(err.Error(), "pool timeout")
}
