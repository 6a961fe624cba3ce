package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	consumerBatch         = 16
	consumerVisibility    = 30 * time.Second
	consumerIdle          = time.Second
	consumerMaxDeliveries = 5
)

type dequeueClient interface {
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// QueueConsumer reads the events QueueSink enqueued. A message whose handler
// fails stays on the queue and is retried after its visibility timeout, up
// to consumerMaxDeliveries times.
type QueueConsumer struct {
	queue dequeueClient
	log   *log.Logger
	idle  time.Duration
}

// NewQueueConsumer connects to the named queue.
func NewQueueConsumer(connStr, queueName string, logger *log.Logger) (*QueueConsumer, error) {
	opts := azqueue.ClientOptions{ClientOptions: retryOptions(5, time.Minute, time.Second*30)}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueConsumer{queue: q, log: logger, idle: consumerIdle}, nil
}

// Run handles events until ctx ends.
func (c *QueueConsumer) Run(ctx context.Context, handle func(context.Context, domain.Event) error) error {
	for {
		n, err := c.poll(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.WithError(err).Warn("dequeue events")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.idle):
		}
	}
}

// poll handles one batch and returns the number of messages received.
func (c *QueueConsumer) poll(ctx context.Context, handle func(context.Context, domain.Event) error) (int, error) {
	resp, err := c.queue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(int32(consumerBatch)),
		VisibilityTimeout: to.Ptr(int32(consumerVisibility / time.Second)),
	})
	if err != nil {
		return 0, err
	}
	for _, msg := range resp.Messages {
		c.process(ctx, msg, handle)
	}
	return len(resp.Messages), nil
}

func (c *QueueConsumer) process(ctx context.Context, msg *azqueue.DequeuedMessage, handle func(context.Context, domain.Event) error) {
	if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
		return
	}
	entry := c.log.WithField("message", *msg.MessageID)

	var ev domain.Event
	text := ""
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	if err := sonic.UnmarshalString(text, &ev); err != nil {
		entry.WithError(err).Error("dropping malformed event message")
		c.delete(ctx, msg)
		return
	}

	entry = entry.WithFields(log.Fields{"event": ev.Type, "board": ev.BoardID})
	if err := handle(ctx, ev); err != nil {
		var deliveries int64
		if msg.DequeueCount != nil {
			deliveries = *msg.DequeueCount
		}
		if deliveries >= consumerMaxDeliveries {
			entry.WithError(err).WithField("deliveries", deliveries).Error("giving up on event")
			c.delete(ctx, msg)
			return
		}
		entry.WithError(err).Warn("event handling failed, leaving it for redelivery")
		return
	}
	c.delete(ctx, msg)
}

func (c *QueueConsumer) delete(ctx context.Context, msg *azqueue.DequeuedMessage) {
	if _, err := c.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
		c.log.WithField("message", *msg.MessageID).WithError(err).Warn("delete event message")
	}
}
