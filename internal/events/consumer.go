package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/fixture"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/metrics"
	"github.com/teamexchange/market-engine/internal/model"
)

// MessageReader is the subset of *kafka.Reader used by Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ResultRecorder records a fixture's final score. *fixture.Service
// satisfies it; its result hooks run settlement.
type ResultRecorder interface {
	RecordResult(ctx context.Context, p auth.Principal, fixtureID string, homeScore, awayScore int) (*fixture.Outcome, error)
}

// Consumer applies fixture results from Kafka. Delivery is at least once:
// the offset is committed only after the result is recorded and every
// hook succeeded, or after a message is found to be permanently invalid.
type Consumer struct {
	Reader   MessageReader
	Results  ResultRecorder
	Log      *zap.Logger
	Backoff  time.Duration // first retry delay, doubled up to MaxBackoff
	MaxRetry int           // attempts per message before it is skipped; 0 retries forever

	MaxBackoff time.Duration
}

var principal = auth.Internal("settlement-worker")

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log := logging.OrNop(c.Log)
	for {
		m, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("kafka fetch failed", zap.Error(err))
			metrics.EventsConsumed.WithLabelValues("fetch_error").Inc()
			if !sleep(ctx, c.backoff(0)) {
				return ctx.Err()
			}
			continue
		}

		outcome := c.handle(ctx, log, m)
		metrics.EventsConsumed.WithLabelValues(outcome).Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.Reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// handle processes one message, retrying transient failures. It returns
// the outcome label.
func (c *Consumer) handle(ctx context.Context, log *zap.Logger, m kafka.Message) string {
	ev, err := DecodeFixtureResult(m.Value)
	if err != nil {
		log.Warn("invalid fixture result", zap.Int64("offset", m.Offset), zap.Error(err))
		return "invalid"
	}

	for attempt := 0; ; attempt++ {
		err := c.apply(ctx, ev)
		switch {
		case err == nil:
			return "applied"
		case permanent(err):
			log.Error("fixture result rejected",
				zap.String("fixture_id", ev.FixtureID), zap.Error(err))
			return "rejected"
		}
		if c.MaxRetry > 0 && attempt+1 >= c.MaxRetry {
			log.Error("fixture result skipped after retries",
				zap.String("fixture_id", ev.FixtureID), zap.Int("attempts", attempt+1), zap.Error(err))
			return "skipped"
		}
		log.Warn("fixture result failed, retrying",
			zap.String("fixture_id", ev.FixtureID), zap.Int("attempt", attempt+1), zap.Error(err))
		if !sleep(ctx, c.backoff(attempt)) {
			return "cancelled"
		}
	}
}

func (c *Consumer) apply(ctx context.Context, ev FixtureResult) error {
	out, err := c.Results.RecordResult(ctx, principal, ev.FixtureID, ev.HomeScore, ev.AwayScore)
	if err != nil {
		return err
	}
	if len(out.HookErrors) > 0 {
		return fmt.Errorf("fixture %s: %d result hooks failed: %s", ev.FixtureID, len(out.HookErrors), out.HookErrors[0])
	}
	return nil
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, model.ErrValidation) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrForbidden)
}

func (c *Consumer) backoff(attempt int) time.Duration {
	d := c.Backoff
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	limit := c.MaxBackoff
	if limit <= 0 {
		limit = 30 * time.Second
	}
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
