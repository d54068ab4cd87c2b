package redispub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"portal-ledger/internal/events"
)

const DefaultChannel = "ledger_transfer_events"

// Publisher fans events out on a Redis pub/sub channel.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

var _ events.Publisher = (*Publisher)(nil)

func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel}
}

func (p *Publisher) PublishTransferCompleted(ctx context.Context, ev events.TransferCompleted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}
