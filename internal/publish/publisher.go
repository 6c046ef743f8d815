// Package publish emits monitor events over Redis pub/sub.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/edouardg/marktmonitor/internal/logger"
	"github.com/edouardg/marktmonitor/internal/metrics"
	"github.com/edouardg/marktmonitor/internal/models"
)

// Channel names subscribers listen on.
const (
	ChannelListings = "listings"
	ChannelError    = "request_url_error"
	ChannelWarning  = "warning"
)

// ListingsEvent carries the new listings found for one monitored query,
// newest first.
type ListingsEvent struct {
	RequestURL  string           `json:"request_url"`
	NewListings []models.Listing `json:"new_listings"`
}

// ErrorEvent reports a query that failed processing and was taken out of the
// schedule.
type ErrorEvent struct {
	RequestURL string `json:"request_url"`
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	Traceback  string `json:"traceback"`
}

// WarningEvent reports a non-fatal condition, such as a burst of queries
// firing in the same tick.
type WarningEvent struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Publisher wraps the Redis client behind the three monitor channels.
type Publisher struct {
	client *redis.Client
	log    logger.Logger
}

// NewPublisher creates a publisher over an established Redis client.
func NewPublisher(client *redis.Client, log logger.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

// Ping verifies the Redis connection. Bootstrap refuses to start when this
// fails.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// PublishListings emits a batch of new listings for a request URL.
func (p *Publisher) PublishListings(ctx context.Context, event ListingsEvent) error {
	if err := p.publish(ctx, ChannelListings, event); err != nil {
		return err
	}
	metrics.ListingsPublishedTotal.Add(float64(len(event.NewListings)))
	p.log.Info("published new listings",
		logger.String("request_url", event.RequestURL),
		logger.Int("count", len(event.NewListings)))
	return nil
}

// PublishError emits a per-query failure event.
func (p *Publisher) PublishError(ctx context.Context, event ErrorEvent) error {
	return p.publish(ctx, ChannelError, event)
}

// PublishWarning emits a non-fatal warning event.
func (p *Publisher) PublishWarning(ctx context.Context, event WarningEvent) error {
	return p.publish(ctx, ChannelWarning, event)
}

func (p *Publisher) publish(ctx context.Context, channel string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", channel, err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
