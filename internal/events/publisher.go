package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/settlement"
	"github.com/teamexchange/market-engine/internal/trade"
)

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher emits market events. Publishing happens after commit and is
// best effort: failures are logged, never returned to the trading path.
type Publisher struct {
	w       MessageWriter
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewPublisher creates a Publisher writing through w.
func NewPublisher(w MessageWriter, log *zap.Logger) *Publisher {
	return &Publisher{w: w, log: logging.OrNop(log), timeout: 2 * time.Second, now: time.Now}
}

// Publish writes ev keyed by key.
func (p *Publisher) Publish(ctx context.Context, key []byte, ev MarketEvent) error {
	ev.TsUnixMs = p.now().UnixMilli()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	return p.w.WriteMessages(ctx, kafka.Message{Key: key, Value: b, Time: p.now()})
}

// Settled is a settlement.Observer publishing fixture_settled.
func (p *Publisher) Settled(ctx context.Context, r *settlement.Result) {
	ev := MarketEvent{
		Type:          TypeFixtureSettled,
		FixtureID:     r.FixtureID,
		WinnerTeamID:  r.WinnerTeamID,
		LoserTeamID:   r.LoserTeamID,
		TransferCents: r.TransferAmountCents,
		Draw:          r.Draw,
	}
	if err := p.Publish(ctx, messageKey("fixture", r.FixtureID), ev); err != nil {
		p.log.Warn("publish settlement failed", zap.String("fixture_id", r.FixtureID), zap.Error(err))
	}
}

// Traded is a trade.Observer publishing trade_executed.
func (p *Publisher) Traded(ctx context.Context, team model.Team, r *trade.Result) {
	ev := MarketEvent{
		Type:       TypeTradeExecuted,
		TeamID:     team.ID,
		Direction:  r.Order.Direction,
		Shares:     r.Order.Shares,
		PriceCents: r.PriceCents,
	}
	if err := p.Publish(ctx, messageKey("team", team.ID), ev); err != nil {
		p.log.Warn("publish trade failed", zap.String("order_id", r.Order.ID), zap.Error(err))
	}
}
