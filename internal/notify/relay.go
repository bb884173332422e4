package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/redisclient"

	"go.uber.org/zap"
)

// RedisRelay publishes notifications on a Redis pub/sub channel and, when
// running, delivers everything received on that channel into a local Hub.
// Every process (API or worker) publishes through the relay; only processes
// that serve subscribers run it.
type RedisRelay struct {
	client  *redisclient.Client
	channel string
	hub     *Hub
	logger  *zap.Logger
}

var _ ports.Notifier = (*RedisRelay)(nil)

func NewRedisRelay(client *redisclient.Client, channel string, hub *Hub, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, channel: channel, hub: hub, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, group, event string, payload interface{}) error {
	raw, err := encodeNotification(NewNotification(group, event, payload, time.Now()))
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, raw); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Run relays channel messages into the hub until ctx is done
func (r *RedisRelay) Run(ctx context.Context) error {
	if r.hub == nil {
		return fmt.Errorf("relay has no hub to deliver into")
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("Notification relay started", zap.String("channel", r.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			n, err := decodeNotification([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("Skipping undecodable notification", zap.Error(err))
				continue
			}
			r.hub.Deliver(n)
		}
	}
}

func encodeNotification(n models.Notification) ([]byte, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}
	return raw, nil
}

func decodeNotification(raw []byte) (models.Notification, error) {
	var n models.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return n, err
	}
	if n.Group == "" || n.Event == "" {
		return n, fmt.Errorf("notification without group or event")
	}
	return n, nil
}
