package pricefeed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// DefaultChannel is the Redis pub/sub channel carrying price ticks.
const DefaultChannel = "price-ticks"

// Tick is the wire format published by upstream price sources.
type Tick struct {
	EntityID string          `json:"entity_id"`
	Price    decimal.Decimal `json:"price"`
}

// Subscriber consumes ticks from Redis pub/sub and feeds them to the
// monitor.
type Subscriber struct {
	rdb     *redis.Client
	monitor *Monitor
	channel string
}

// NewSubscriber creates a tick subscriber. An empty channel uses
// DefaultChannel.
func NewSubscriber(rdb *redis.Client, monitor *Monitor, channel string) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{rdb: rdb, monitor: monitor, channel: channel}
}

// Run consumes ticks until the context is cancelled. Malformed or unknown
// ticks are logged and skipped; the subscription survives them.
func (s *Subscriber) Run(ctx context.Context) {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	slog.Info("price feed subscribed", "channel", s.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var tick Tick
			if err := json.Unmarshal([]byte(msg.Payload), &tick); err != nil {
				slog.Warn("malformed tick", "payload", msg.Payload, "error", err)
				continue
			}
			if err := s.monitor.HandleTick(ctx, tick.EntityID, tick.Price); err != nil {
				slog.Warn("tick rejected", "entity", tick.EntityID, "error", err)
			}
		}
	}
}
