package storage

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// BoardFeed delivers the events RedisSink publishes for one board.
type BoardFeed struct {
	client *redis.Client
}

func NewBoardFeed(client *redis.Client) *BoardFeed {
	return &BoardFeed{client: client}
}

// Subscribe returns a channel of board events that is closed when ctx ends
// or the subscription is closed through the returned func.
func (f *BoardFeed) Subscribe(ctx context.Context, boardID string) (<-chan domain.Event, func() error, error) {
	sub := f.client.Subscribe(ctx, boardChannel(boardID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.Event
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					log.WithField("board", boardID).WithError(err).Warn("dropping malformed board event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}
