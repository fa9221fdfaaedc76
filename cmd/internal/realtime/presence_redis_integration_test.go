package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	v1 "texter/shared/contracts/realtime/v1"

	"github.com/redis/go-redis/v9"
)

// Enabled when TEXTER_TEST_REDIS_ADDR is set.

func TestRedisPresenceMirror_TracksBroadcasts(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEXTER_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("TEXTER_TEST_REDIS_ADDR not set; skipping Redis integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	key := "texter:test:presence:" + NewSessionID(time.Now())
	mirror, err := NewRedisPresenceMirror(rdb, key)
	if err != nil {
		t.Fatalf("NewRedisPresenceMirror: %v", err)
	}
	defer func() { _ = mirror.Reset(context.Background()) }()

	reg := NewRegistry()
	b := NewBroadcaster(discardLogger(), reg, mirror, nil)

	b.Broadcast(ctx, PresenceEvent{UserID: 5, Status: v1.StatusOnline})
	b.Broadcast(ctx, PresenceEvent{UserID: 2, Status: v1.StatusOnline})
	b.Broadcast(ctx, PresenceEvent{UserID: 5, Status: v1.StatusOffline})

	online, err := mirror.Online(ctx)
	if err != nil {
		t.Fatalf("Online: %v", err)
	}
	if len(online) != 1 || online[0] != 2 {
		t.Fatalf("online: got %v want [2]", online)
	}

	if err := mirror.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	online, err = mirror.Online(ctx)
	if err != nil {
		t.Fatalf("Online after reset: %v", err)
	}
	if len(online) != 0 {
		t.Fatalf("expected empty set after reset, got %v", online)
	}
}
