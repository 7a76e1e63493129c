package registry

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/presence-server-go/internal/errors"
	"github.com/openclaw/presence-server-go/internal/model"
	redisclient "github.com/openclaw/presence-server-go/internal/redis"
	"github.com/openclaw/presence-server-go/internal/retry"
)

const (
	fieldViewer      = "viewer"
	fieldSession     = "session"
	fieldConnectedAt = "connected_at"
	fieldLastSeen    = "last_seen"
)

var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'viewer', ARGV[2], 'session', '', 'connected_at', ARGV[3], 'last_seen', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
local prev = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0')
local now = tonumber(ARGV[2])
if now > prev then
    redis.call('HSET', KEYS[1], 'last_seen', ARGV[2])
    redis.call('ZADD', KEYS[2], now, ARGV[1])
end
return 1
`)

// Redis keeps one node's connections in Redis: a hash per connection, a set
// per session, and a last_seen sorted set used by ReapStale. Bind, Unbind and
// Remove run as WATCH transactions and are retried on contention.
type Redis struct {
	client *redis.Client
	node   string
	policy retry.Policy
	now    func() time.Time
}

func NewRedis(client *redis.Client, node string, policy retry.Policy, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{
		client: client,
		node:   node,
		policy: policy.WithClassifier(redisclient.IsTransient),
		now:    o.now,
	}
}

func (r *Redis) connKey(connID string) string {
	return redisclient.ConnectionKey(r.node, connID)
}

func (r *Redis) membersKey(sessionID string) string {
	return redisclient.SessionMembersKey(r.node, sessionID)
}

func (r *Redis) Register(ctx context.Context, connID, viewerID string) (model.Connection, error) {
	now := r.now()
	keys := []string{r.connKey(connID), redisclient.LastSeenKey(r.node)}

	created, err := retry.Do(ctx, r.policy, func(ctx context.Context) (int64, error) {
		return registerScript.Run(ctx, r.client, keys, connID, viewerID, now.UnixMilli()).Int64()
	})
	if err != nil {
		return model.Connection{}, err
	}
	if created == 0 {
		return model.Connection{}, apperrors.DuplicateConnection(connID)
	}

	ts := time.UnixMilli(now.UnixMilli())
	return model.Connection{ID: connID, ViewerID: viewerID, ConnectedAt: ts, LastSeen: ts}, nil
}

func (r *Redis) Bind(ctx context.Context, connID, sessionID string) error {
	key := r.connKey(connID)
	return retry.DoErr(ctx, r.policy, func(ctx context.Context) error {
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			prev, err := tx.HGet(ctx, key, fieldSession).Result()
			if errors.Is(err, redis.Nil) {
				return apperrors.NotFound("Connection")
			}
			if err != nil {
				return err
			}
			if prev == sessionID {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if prev != "" {
					pipe.SRem(ctx, r.membersKey(prev), connID)
				}
				pipe.HSet(ctx, key, fieldSession, sessionID)
				pipe.SAdd(ctx, r.membersKey(sessionID), connID)
				return nil
			})
			return err
		}, key)
	})
}

func (r *Redis) Unbind(ctx context.Context, connID string) (string, bool, error) {
	key := r.connKey(connID)
	var prev string

	err := retry.DoErr(ctx, r.policy, func(ctx context.Context) error {
		prev = ""
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.HGet(ctx, key, fieldSession).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			if current == "" {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SRem(ctx, r.membersKey(current), connID)
				pipe.HSet(ctx, key, fieldSession, "")
				return nil
			})
			if err == nil {
				prev = current
			}
			return err
		}, key)
	})
	if err != nil {
		return "", false, err
	}
	return prev, prev != "", nil
}

func (r *Redis) Touch(ctx context.Context, connID string) error {
	keys := []string{r.connKey(connID), redisclient.LastSeenKey(r.node)}
	now := r.now().UnixMilli()
	return retry.DoErr(ctx, r.policy, func(ctx context.Context) error {
		return touchScript.Run(ctx, r.client, keys, connID, now).Err()
	})
}

func (r *Redis) Get(ctx context.Context, connID string) (model.Connection, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.connKey(connID)).Result()
	if err != nil {
		return model.Connection{}, false, err
	}
	if len(fields) == 0 {
		return model.Connection{}, false, nil
	}
	return parseConnection(connID, fields), true, nil
}

func (r *Redis) MembersOf(ctx context.Context, sessionID string) (iter.Seq[string], error) {
	ids, err := r.client.SMembers(ctx, r.membersKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	return snapshotSeq(ids), nil
}

// ReapStale also marks this node alive in the node index, so peers leave its
// connections alone.
func (r *Redis) ReapStale(ctx context.Context, cutoff time.Time) ([]model.Connection, error) {
	alive := redis.Z{Score: float64(r.now().UnixMilli()), Member: r.node}
	if err := r.client.ZAdd(ctx, redisclient.NodesKey(), alive).Err(); err != nil {
		log.Warn().Err(err).Str("node", r.node).Msg("failed to record node liveness")
	}
	return r.reapBefore(ctx, cutoff)
}

// ReapOrphans removes stale connections of nodes that have not swept since
// cutoff: a crashed node, or an earlier run of a node under another id. A
// node is dropped from the index once it holds no connections.
func (r *Redis) ReapOrphans(ctx context.Context, cutoff time.Time) ([]model.Connection, error) {
	nodes, err := r.client.ZRangeByScore(ctx, redisclient.NodesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var (
		reaped []model.Connection
		errs   []error
	)
	for _, node := range nodes {
		if node == r.node {
			continue
		}
		conns, err := r.forNode(node).reapBefore(ctx, cutoff)
		reaped = append(reaped, conns...)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		left, err := r.client.ZCard(ctx, redisclient.LastSeenKey(node)).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if left == 0 {
			if err := r.client.ZRem(ctx, redisclient.NodesKey(), node).Err(); err != nil {
				errs = append(errs, err)
			}
		}
		log.Info().
			Str("node", r.node).
			Str("orphanNode", node).
			Int("count", len(conns)).
			Int64("remaining", left).
			Msg("reaped connections of silent node")
	}
	return reaped, errors.Join(errs...)
}

func (r *Redis) forNode(node string) *Redis {
	return &Redis{client: r.client, node: node, policy: r.policy, now: r.now}
}

func (r *Redis) reapBefore(ctx context.Context, cutoff time.Time) ([]model.Connection, error) {
	ids, err := r.client.ZRangeByScore(ctx, redisclient.LastSeenKey(r.node), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var (
		reaped []model.Connection
		errs   []error
	)
	for _, id := range ids {
		conn, ok, err := r.removeIf(ctx, id, func(c model.Connection) bool {
			return c.LastSeen.Before(cutoff)
		})
		if err != nil {
			log.Warn().Err(err).Str("connectionId", id).Msg("failed to reap connection")
			errs = append(errs, err)
			continue
		}
		if ok {
			reaped = append(reaped, conn)
		}
	}

	if len(reaped) > 0 {
		log.Debug().Int("count", len(reaped)).Str("node", r.node).Msg("reaped stale connections")
	}
	return reaped, errors.Join(errs...)
}

func (r *Redis) Remove(ctx context.Context, connID string) (model.Connection, bool, error) {
	return r.removeIf(ctx, connID, func(model.Connection) bool { return true })
}

func (r *Redis) removeIf(ctx context.Context, connID string, match func(model.Connection) bool) (model.Connection, bool, error) {
	key := r.connKey(connID)
	lastSeenKey := redisclient.LastSeenKey(r.node)

	var (
		removed model.Connection
		found   bool
	)
	err := retry.DoErr(ctx, r.policy, func(ctx context.Context) error {
		found = false
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				// Index entry without a hash: drop it so the sweep stops seeing it.
				return tx.ZRem(ctx, lastSeenKey, connID).Err()
			}

			conn := parseConnection(connID, fields)
			if !match(conn) {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, lastSeenKey, connID)
				if conn.SessionID != "" {
					pipe.SRem(ctx, r.membersKey(conn.SessionID), connID)
				}
				return nil
			})
			if err == nil {
				removed, found = conn, true
			}
			return err
		}, key)
	})
	return removed, found, err
}

func parseConnection(connID string, fields map[string]string) model.Connection {
	return model.Connection{
		ID:          connID,
		ViewerID:    fields[fieldViewer],
		SessionID:   fields[fieldSession],
		ConnectedAt: parseMillis(fields[fieldConnectedAt]),
		LastSeen:    parseMillis(fields[fieldLastSeen]),
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
