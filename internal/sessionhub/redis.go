package sessionhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel はセッション変更通知を流すRedis Pub/Subチャネル名。
const DefaultChannel = "memberhub:session-changes"

// RedisConfig はRedis接続の設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient はRedisクライアントを生成する。
// 接続は遅延されるため、疎通確認にはPingを使う。
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisBroadcaster はRedis Pub/Subで通知を全インスタンスに配布する。
// 自インスタンスが発行した通知も購読ループ経由で戻ってくるため、
// ローカル配送はRunに一本化される。
type RedisBroadcaster struct {
	rdb     redis.UniversalClient
	hub     *Hub
	channel string
	logger  *slog.Logger
}

// NewRedisBroadcaster はRedisBroadcasterを生成する。
func NewRedisBroadcaster(rdb redis.UniversalClient, hub *Hub, logger *slog.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{
		rdb:     rdb,
		hub:     hub,
		channel: DefaultChannel,
		logger:  logger,
	}
}

// Broadcast は通知をJSONにエンコードしてチャネルに発行する。
func (b *RedisBroadcaster) Broadcast(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode session notification: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish session notification: %w", err)
	}
	return nil
}

// Run はチャネルを購読し、受信した通知をローカルのHubに配送する。
// ctxがキャンセルされるまでブロックする。
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// 購読の確立を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.logger.Info("session change subscription established",
		slog.String("channel", b.channel),
	)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				b.logger.Warn("discarding malformed session notification",
					slog.String("error", err.Error()),
				)
				continue
			}
			b.hub.Deliver(n)
		}
	}
}

// compile-time interface check
var _ Broadcaster = (*RedisBroadcaster)(nil)
