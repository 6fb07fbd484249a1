package sessionhub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/memberhub/internal/model"
)

// newTestRedis はテスト用Redisに接続する。接続できない場合はスキップする。
func newTestRedis(t *testing.T) RedisConfig {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	cfg := RedisConfig{Addr: addr}

	rdb := NewRedisClient(cfg)
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("テスト用Redisに接続できません（スキップ）: %v", err)
	}
	return cfg
}

func TestRedisBroadcaster_FansOutAcrossHubs(t *testing.T) {
	cfg := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2インスタンス分のHubを用意する
	hubA := NewHub(staticResolver(nil), nil)
	hubB := NewHub(staticResolver(nil), nil)

	rdbA := NewRedisClient(cfg)
	defer rdbA.Close()
	rdbB := NewRedisClient(cfg)
	defer rdbB.Close()

	bA := NewRedisBroadcaster(rdbA, hubA, nil)
	bB := NewRedisBroadcaster(rdbB, hubB, nil)
	hubA.SetBroadcaster(bA)
	hubB.SetBroadcaster(bB)

	go bA.Run(ctx)
	go bB.Run(ctx)

	rec := newRecorder()
	unsubscribe := hubB.Subscribe("s-redis", rec.fn)
	defer unsubscribe()
	rec.waitCalls(t, 1)

	// 購読の確立を待ってから発行する
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, hubA.Publish(ctx, "s-redis", &model.User{ID: "u-redis"}))

	got := rec.waitCalls(t, 1)
	require.NotNil(t, got[1])
	assert.Equal(t, "u-redis", got[1].ID)
}
