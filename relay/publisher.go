// Package relay carries board events from the service to subscribers, either
// straight onto Redis pub/sub or through an Azure queue drained by a Worker.
package relay

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// RedisPublisher publishes each event on its board channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, domain.BoardChannel(ev.BoardID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.ID, domain.BoardChannel(ev.BoardID), err)
	}
	return nil
}

type queueSender interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueuePublisher enqueues events for a Worker to fan out, so a Redis outage
// does not lose notifications.
type QueuePublisher struct {
	queue queueSender
}

// NewQueuePublisher connects to the named queue.
func NewQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, nil)
	if err != nil {
		return nil, err
	}
	return &QueuePublisher{queue: q}, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := p.queue.EnqueueMessage(ctx, string(payload), nil); err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.ID, err)
	}
	return nil
}
