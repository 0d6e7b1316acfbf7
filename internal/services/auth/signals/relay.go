// Package signals relays side-effect signals from the outbox to a publisher.
//
// The relay leases due events, publishes each one and acknowledges the lease.
// Failed publishes are retried with exponential backoff until MaxAttempts,
// after which the event is parked as dead.
package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const (
	defaultConsumer      = "auth-signal-relay"
	defaultPollInterval  = 2 * time.Second
	defaultLeaseTTL      = 30 * time.Second
	defaultBatchSize     = 50
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = 5 * time.Second
	defaultRetryMaxDelay = 5 * time.Minute
	defaultRate          = 50
)

// Publisher delivers one signal downstream.
type Publisher interface {
	Publish(ctx context.Context, event storage.OutboxEvent) error
}

// Config controls relay loop behavior.
type Config struct {
	Consumer      string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	BatchSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	// Rate caps publishes per second.
	Rate  float64
	Clock func() time.Time
}

func (c Config) normalized() Config {
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = defaultConsumer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = c.RetryBackoff
	}
	if c.Rate <= 0 {
		c.Rate = defaultRate
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Relay moves outbox events to a Publisher.
type Relay struct {
	store     storage.OutboxStore
	publisher Publisher
	cfg       Config
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New builds a Relay.
func New(store storage.OutboxStore, publisher Publisher, cfg Config, logger *zap.Logger) *Relay {
	cfg = cfg.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := max(1, int(cfg.Rate))
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Rate), burst),
		logger:    logger,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll.
func (r *Relay) Run(ctx context.Context) error {
	if r == nil || r.store == nil || r.publisher == nil {
		return fmt.Errorf("signal relay is not configured")
	}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		processed, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("signal relay pass failed", zap.Error(err))
		}
		if processed >= r.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases and handles one batch and returns how many events it
// acknowledged.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.LeaseOutboxEvents(ctx, r.cfg.Consumer, r.cfg.BatchSize, r.cfg.Clock(), r.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease signals: %w", err)
	}
	handled := 0
	for _, event := range events {
		if err := r.limiter.Wait(ctx); err != nil {
			return handled, err
		}
		if err := r.handle(ctx, event); err != nil {
			r.logger.Error("acknowledge signal failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err),
			)
			continue
		}
		handled++
	}
	return handled, nil
}

func (r *Relay) handle(ctx context.Context, event storage.OutboxEvent) error {
	publishErr := r.publisher.Publish(ctx, event)
	now := r.cfg.Clock().UTC()
	if publishErr == nil {
		return r.store.MarkOutboxSucceeded(ctx, event.ID, r.cfg.Consumer, now)
	}

	attempt := event.AttemptCount + 1
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.Int("attempt", attempt),
		zap.Error(publishErr),
	}
	if attempt >= r.cfg.MaxAttempts {
		r.logger.Error("signal moved to dead letter", fields...)
		return r.store.MarkOutboxDead(ctx, event.ID, r.cfg.Consumer, publishErr.Error(), now)
	}
	delay := r.retryDelay(attempt)
	r.logger.Warn("signal publish failed", append(fields, zap.Duration("retry_in", delay))...)
	return r.store.MarkOutboxRetry(ctx, event.ID, r.cfg.Consumer, now.Add(delay), publishErr.Error())
}

// retryDelay returns the wait before retry number attempt: RetryBackoff
// doubled per prior attempt, capped at RetryMaxDelay.
func (r *Relay) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.RetryBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.cfg.RetryMaxDelay,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
