// Package notify fans raffle events out to external subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/raffle/internal/events"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "raffle.events"

const queueSize = 256

// publisher is the subset of the redis client used here.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher publishes events to a Redis channel.
type Publisher struct {
	client  publisher
	channel string
	timeout time.Duration
	log     *logger.Logger

	queue   chan events.Event
	dropped atomic.Int64
}

// RedisConfig configures the connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"RAFFLE_REDIS_ADDR"`
	Password string `yaml:"password" env:"RAFFLE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"RAFFLE_REDIS_DB"`
	Channel  string `yaml:"channel" env:"RAFFLE_REDIS_CHANNEL"`
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*Publisher, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newPublisher(client, cfg.Channel, log), client, nil
}

func newPublisher(client publisher, channel string, log *logger.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Publisher{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		log:     log,
		queue:   make(chan events.Event, queueSize),
	}
}

// Channel returns the channel events are published on.
func (p *Publisher) Channel() string { return p.channel }

// Publish sends ev as JSON.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Handler adapts the publisher to an events subscription. It only queues the
// event for Run; when the queue is full the event is dropped and counted.
func (p *Publisher) Handler() events.Handler {
	return func(ev events.Event) {
		select {
		case p.queue <- ev:
		default:
			p.dropped.Add(1)
			p.log.WithFields(map[string]interface{}{
				"event_id": ev.ID,
				"type":     ev.Type,
			}).Warn("publish queue full, event dropped")
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Run publishes queued events until ctx is done. Each publish is bounded by
// a timeout and failures are logged.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
			err := p.Publish(pubCtx, ev)
			cancel()
			if err != nil {
				p.log.WithError(err).WithFields(map[string]interface{}{
					"event_id": ev.ID,
					"type":     ev.Type,
				}).Warn("publish event failed")
			}
		}
	}
}
