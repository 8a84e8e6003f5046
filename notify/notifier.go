package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier delivers an outbox message to subscribers.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// channelPrefix namespaces our pub/sub channels on shared Redis instances.
const channelPrefix = "valorswap."

// RedisNotifier publishes outbox messages to Redis pub/sub, one channel per
// topic. Verification codes travel through here on the swap.verification_code
// topic, which is why delivery is a separate channel from the QR handoff.
type RedisNotifier struct {
	client redis.UniversalClient
}

func NewRedisNotifier(addr, password string, db int) *RedisNotifier {
	return &RedisNotifier{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (n *RedisNotifier) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := n.client.Publish(ctx, channelPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", topic, err)
	}
	return nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// LogNotifier writes messages to the log instead of a broker. Used in
// development when no Redis address is configured. Payloads are not logged;
// some topics carry verification codes.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Publish(_ context.Context, topic string, payload []byte) error {
	n.log.Info("outbox message", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}
