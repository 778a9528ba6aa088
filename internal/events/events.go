// Package events carries fixture results into the exchange and market
// events out of it over Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/model"
)

// FixtureResult is published on the fixture results topic by the data
// feed when a match ends.
type FixtureResult struct {
	FixtureID string `json:"fixture_id"`
	HomeScore int    `json:"home_score"`
	AwayScore int    `json:"away_score"`
	TsUnixMs  int64  `json:"ts_unix_ms"`
}

// Market event types.
const (
	TypeFixtureSettled = "fixture_settled"
	TypeTradeExecuted  = "trade_executed"
)

// MarketEvent is published on the market events topic after a settlement
// or trade commits. Amounts are integer cents.
type MarketEvent struct {
	Type          string          `json:"type"`
	FixtureID     string          `json:"fixture_id,omitempty"`
	TeamID        string          `json:"team_id,omitempty"`
	WinnerTeamID  string          `json:"winner_team_id,omitempty"`
	LoserTeamID   string          `json:"loser_team_id,omitempty"`
	TransferCents int64           `json:"transfer_cents,omitempty"`
	Draw          bool            `json:"draw,omitempty"`
	Direction     model.Direction `json:"direction,omitempty"`
	Shares        int64           `json:"shares,omitempty"`
	PriceCents    int64           `json:"price_cents,omitempty"`
	TsUnixMs      int64           `json:"ts_unix_ms"`
}

// DecodeFixtureResult parses and validates a fixture result message.
func DecodeFixtureResult(b []byte) (FixtureResult, error) {
	var ev FixtureResult
	if err := json.Unmarshal(b, &ev); err != nil {
		return FixtureResult{}, fmt.Errorf("%w: decode fixture result: %v", model.ErrValidation, err)
	}
	if err := ident.Validate(ident.KindFixture, ev.FixtureID); err != nil {
		return FixtureResult{}, err
	}
	if ev.HomeScore < 0 || ev.AwayScore < 0 {
		return FixtureResult{}, model.Validationf("negative score %d-%d for fixture %s",
			ev.HomeScore, ev.AwayScore, ev.FixtureID)
	}
	return ev, nil
}

// NewWriter returns a writer for topic on the comma-separated brokers.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
	}
}

// NewReader returns a consumer-group reader. Offsets are committed
// explicitly by Consumer after each message is handled.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

func messageKey(parts ...string) []byte {
	return []byte(strings.Join(parts, ":"))
}
