package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/events"
	"github.com/teamexchange/market-engine/internal/fixture"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/settlement"
	"github.com/teamexchange/market-engine/internal/store"
)

func TestDecodeFixtureResult(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"fixture_id":"f1","home_score":2,"away_score":1}`, false},
		{"not json", `{`, true},
		{"missing id", `{"home_score":1,"away_score":0}`, true},
		{"bad id", `{"fixture_id":"f 1","home_score":1,"away_score":0}`, true},
		{"negative score", `{"fixture_id":"f1","home_score":-1,"away_score":0}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := events.DecodeFixtureResult([]byte(tt.payload))
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

// fakeReader serves queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(payloads ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, p := range payloads {
		r.queue = append(r.queue, kafka.Message{Offset: int64(i), Value: []byte(p)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

// flakyRecorder fails with a lock timeout a fixed number of times.
type flakyRecorder struct {
	failures int
	calls    int
}

func (f *flakyRecorder) RecordResult(_ context.Context, _ auth.Principal, id string, h, a int) (*fixture.Outcome, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, model.ErrLockTimeout
	}
	return &fixture.Outcome{Fixture: model.Fixture{ID: id, Result: model.ResultFromScore(h, a)}, Recorded: true}, nil
}

func runConsumer(t *testing.T, c *events.Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConsumer_SettlesFixtures(t *testing.T) {
	ctx := context.Background()
	internal := auth.Internal("test")
	ms := store.NewMemoryStore()
	svc := fixture.NewService(ms, 1000, 1000, nil)
	for _, id := range []string{"ars", "che"} {
		if _, err := svc.RegisterTeam(ctx, internal, fixture.NewTeam{ID: id, InitialCapCents: 500_000}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.Schedule(ctx, internal, fixture.NewFixture{
		ID: "f1", HomeTeamID: "ars", AwayTeamID: "che", KickoffAt: time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	engine := settlement.NewEngine(ms, settlement.DefaultRate, 100, nil)
	svc.OnResult(func(ctx context.Context, f model.Fixture) error {
		_, err := engine.Settle(ctx, internal, f.ID)
		return err
	})

	// Duplicate delivery, a poison message, and an unknown fixture.
	r := newFakeReader(
		`{"fixture_id":"f1","home_score":1,"away_score":0}`,
		`{"fixture_id":"f1","home_score":1,"away_score":0}`,
		`garbage`,
		`{"fixture_id":"f9","home_score":1,"away_score":0}`,
	)
	runConsumer(t, &events.Consumer{Reader: r, Results: svc, Backoff: time.Millisecond}, r)

	if len(r.committed) != 4 {
		t.Errorf("expected all 4 offsets committed, got %v", r.committed)
	}
	ars, _ := ms.GetTeam(ctx, "ars")
	che, _ := ms.GetTeam(ctx, "che")
	if ars.MarketCapCents != 550_000 || che.MarketCapCents != 450_000 {
		t.Errorf("expected a single settlement (550000/450000), got %d/%d", ars.MarketCapCents, che.MarketCapCents)
	}
}

func TestConsumer_RetriesTransientFailures(t *testing.T) {
	rec := &flakyRecorder{failures: 2}
	r := newFakeReader(`{"fixture_id":"f1","home_score":0,"away_score":0}`)
	runConsumer(t, &events.Consumer{Reader: r, Results: rec, Backoff: time.Millisecond}, r)

	if rec.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", rec.calls)
	}
	if len(r.committed) != 1 {
		t.Errorf("expected commit after success, got %v", r.committed)
	}
}

func TestConsumer_GivesUpAfterMaxRetry(t *testing.T) {
	rec := &flakyRecorder{failures: 100}
	r := newFakeReader(`{"fixture_id":"f1","home_score":0,"away_score":0}`)
	runConsumer(t, &events.Consumer{Reader: r, Results: rec, Backoff: time.Millisecond, MaxRetry: 3}, r)

	if rec.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", rec.calls)
	}
}

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func TestPublisher_Settled(t *testing.T) {
	w := &captureWriter{}
	p := events.NewPublisher(w, nil)
	p.Settled(context.Background(), &settlement.Result{
		FixtureID: "f1", WinnerTeamID: "ars", LoserTeamID: "che", TransferAmountCents: 50_000,
	})

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "fixture:f1" {
		t.Errorf("unexpected key %q", w.msgs[0].Key)
	}
	var ev events.MarketEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != events.TypeFixtureSettled || ev.TransferCents != 50_000 || ev.WinnerTeamID != "ars" || ev.TsUnixMs == 0 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestPublisher_FailureIsNotFatal(t *testing.T) {
	w := &captureWriter{err: errors.New("broker down")}
	p := events.NewPublisher(w, nil)
	// Must not panic or block.
	p.Settled(context.Background(), &settlement.Result{FixtureID: "f1", Draw: true})
	if len(w.msgs) != 1 {
		t.Errorf("expected one write attempt, got %d", len(w.msgs))
	}
}
