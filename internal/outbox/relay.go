package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/joao-fontenele/licenseflow/internal/messaging"
)

// Publisher is implemented by messaging.Producer.
type Publisher interface {
	Publish(ctx context.Context, msg messaging.Message) error
}

type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	BreakerTimeout time.Duration
}

// Relay moves committed outbox events to the broker. Broker failures only
// delay delivery; they never reach the transaction that wrote the event.
type Relay struct {
	repo      *Repository
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	cfg       RelayConfig
	logger    *slog.Logger
}

func NewRelay(repo *Repository, publisher Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "outbox-publisher",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Relay{
		repo:      repo,
		publisher: publisher,
		breaker:   breaker,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "interval", r.cfg.PollInterval.String())

	for {
		if _, err := r.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox dispatch failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

type DispatchResult struct {
	Published int
	Failed    int
}

// DispatchOnce publishes one batch and reports what happened to it.
func (r *Relay) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	batch, err := r.repo.ClaimBatch(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return result, err
	}
	defer func() { _ = batch.Rollback() }()

	for _, event := range batch.Events {
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, r.publisher.Publish(ctx, messaging.Message{
				Key:       event.AggregateID,
				EventType: event.EventType,
				Value:     event.Payload,
			})
		})

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Leave the rest untouched; attempts are not burned while the broker is down.
			r.logger.Warn("outbox publishing paused by circuit breaker", "pending", len(batch.Events)-result.Published-result.Failed)
			break
		}

		if err != nil {
			result.Failed++
			r.logger.Error("failed to publish outbox event", "error", err, "event_id", event.ID, "event_type", event.EventType)
			if markErr := batch.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
				return result, markErr
			}
			continue
		}

		result.Published++
		if err := batch.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
			return result, err
		}
	}

	if err := batch.Commit(); err != nil {
		return result, err
	}

	if result.Published > 0 || result.Failed > 0 {
		r.logger.Info("outbox batch dispatched", "published", result.Published, "failed", result.Failed)
	}
	return result, nil
}
