package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultPresenceKey = "texter:presence:online"

// RedisPresenceMirror keeps the set of online user ids in a Redis set so other
// processes (and GET /user_lists/online) can read presence without the registry.
type RedisPresenceMirror struct {
	rdb *redis.Client
	key string
}

// NewRedisPresenceMirror wraps an existing client. The caller owns rdb.
func NewRedisPresenceMirror(rdb *redis.Client, key string) (*RedisPresenceMirror, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if key == "" {
		key = defaultPresenceKey
	}
	return &RedisPresenceMirror{rdb: rdb, key: key}, nil
}

// MarkOnline adds userID to the online set.
func (m *RedisPresenceMirror) MarkOnline(ctx context.Context, userID int64) error {
	return m.rdb.SAdd(ctx, m.key, userID).Err()
}

// MarkOffline removes userID from the online set.
func (m *RedisPresenceMirror) MarkOffline(ctx context.Context, userID int64) error {
	return m.rdb.SRem(ctx, m.key, userID).Err()
}

// Online returns the mirrored online ids in ascending order.
func (m *RedisPresenceMirror) Online(ctx context.Context) ([]int64, error) {
	members, err := m.rdb.SMembers(ctx, m.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, s := range members {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("realtime: bad presence member %q: %w", s, err)
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Reset clears the set. Called at startup since no connection survives a restart.
func (m *RedisPresenceMirror) Reset(ctx context.Context) error {
	return m.rdb.Del(ctx, m.key).Err()
}
