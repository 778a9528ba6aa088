package stream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/settlement"
	"github.com/teamexchange/market-engine/internal/stream"
)

func dial(t *testing.T, h *stream.Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestHub_BroadcastsSettlement(t *testing.T) {
	h := stream.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dial(t, h)

	h.Settled(ctx, &settlement.Result{
		FixtureID: "f1",
		Entries: []model.LedgerEntry{
			{TeamID: "ars", PriceAfterCents: 550, MarketCapAfterCents: 550_000},
			{TeamID: "che", PriceAfterCents: 450, MarketCapAfterCents: 450_000},
		},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"ars", "che"} {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg stream.PriceUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != stream.TypeSettlement || msg.TeamID != want || msg.FixtureID != "f1" || msg.Ts == 0 {
			t.Errorf("unexpected message %+v", msg)
		}
	}
}

func TestHub_BroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	h := stream.NewHub(nil)
	done := make(chan struct{})
	go func() {
		// No Run loop: the buffer fills and further updates are dropped.
		for i := 0; i < 1000; i++ {
			h.Broadcast(stream.PriceUpdate{Type: stream.TypeTrade, TeamID: "ars"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked")
	}
}
