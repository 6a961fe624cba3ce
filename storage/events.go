package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink forwards committed events to an Azure storage queue.
type QueueSink struct {
	queue queueClient
}

// NewQueueSink connects to the named queue.
func NewQueueSink(connStr, queueName string) (*QueueSink, error) {
	opts := azqueue.ClientOptions{ClientOptions: retryOptions(5, time.Minute*5, time.Second*60)}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: q}, nil
}

func (s *QueueSink) Publish(ctx context.Context, ev domain.Event) error {
	body, err := sonic.MarshalString(ev)
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueMessage(ctx, body, nil)
	return err
}

// RedisSink publishes events on a per-board channel for live subscribers.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Publish(ctx context.Context, ev domain.Event) error {
	body, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, boardChannel(ev.BoardID), body).Err()
}

func boardChannel(boardID string) string {
	return "board:" + boardID
}
