package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/wattwise/energy-monitor/pkg/logger"
)

// Redis publishes and subscribes over one Redis channel. Messages are sent
// as a JSON envelope of Message.
type Redis struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
	retry   func() backoff.BackOff
}

// NewRedis creates a Redis topic on channel.
func NewRedis(client *redis.Client, channel string, log *logger.Logger) *Redis {
	if log == nil {
		log = logger.NewDefault("pubsub")
	}
	return &Redis{
		client:  client,
		channel: channel,
		log:     log,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = time.Minute
			return b
		},
	}
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, retrying with
// exponential backoff, then delivers messages in a goroutine until ctx ends.
func (r *Redis) Subscribe(ctx context.Context, name string, h Handler) error {
	var sub *redis.PubSub
	op := func() error {
		s := r.client.Subscribe(ctx, r.channel)
		if _, err := s.Receive(ctx); err != nil {
			_ = s.Close()
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.WithError(err).WithField("subscriber", name).Warnf("redis subscribe failed, retrying in %s", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(r.retry(), ctx), notify); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					r.log.WithError(err).WithField("subscriber", name).Warn("dropping malformed message")
					continue
				}
				if err := h(ctx, msg); err != nil {
					r.log.WithError(err).WithField("subscriber", name).Error("message handler failed")
				}
			}
		}
	}()
	return nil
}
