// Package feed реализует канал уведомлений об изменениях очереди поверх
// Redis pub/sub. Полезная нагрузка сообщений не используется: подписчик
// трактует любое сообщение как сигнал «что-то изменилось, перечитай».
package feed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vmelnikova/linkpos/internal/model"
)

// RedisFeed публикует и раздаёт сигналы изменения очереди.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed создаёт канал уведомлений поверх указанного клиента Redis.
func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func channelName(scope model.QueueScope) string {
	if scope.IsEvent() {
		return fmt.Sprintf("queue:event:%d", *scope.EventID)
	}
	return fmt.Sprintf("queue:tenant:%d", scope.TenantID)
}

// Publish отправляет сигнал изменения очереди для области.
func (f *RedisFeed) Publish(ctx context.Context, scope model.QueueScope) error {
	if err := f.client.Publish(ctx, channelName(scope), "changed").Err(); err != nil {
		return fmt.Errorf("publish queue change: %w", err)
	}
	return nil
}

// Subscribe подписывается на сигналы области. Возвращённый канал закрывается
// при отмене контекста или вызове функции остановки. Сигналы, пришедшие,
// пока получатель занят, схлопываются в один.
func (f *RedisFeed) Subscribe(ctx context.Context, scope model.QueueScope) (<-chan struct{}, func(), error) {
	pubsub := f.client.Subscribe(ctx, channelName(scope))

	// Дожидаемся подтверждения подписки, чтобы не потерять ранние сигналы.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe queue feed: %w", err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		for range pubsub.Channel() {
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}()

	stop := func() { _ = pubsub.Close() }
	return signals, stop, nil
}
