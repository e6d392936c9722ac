package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("terminal offline")}

	err := Multi{ok, failing, NoopSink{}}.Notify(context.Background(), Event{Kind: PaymentConfirmed, Amount: 10000})
	require.ErrorContains(t, err, "terminal offline")
	require.Len(t, ok.events, 1)
	require.Len(t, failing.events, 1)

	require.NoError(t, Multi{ok}.Notify(context.Background(), Event{Kind: PaymentRequested}))
	require.NoError(t, OrNoop(nil).Notify(context.Background(), Event{}))
}

func TestHubBroadcastsToTerminals(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()

	require.Eventually(t, func() bool { return hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	ev := Event{Kind: PaymentConfirmed, Amount: 10000, Currency: "EUR", IntentID: "i-1"}
	require.NoError(t, hub.Notify(context.Background(), ev))

	for _, c := range []*websocket.Conn{first, second} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)

		var got Event
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, PaymentConfirmed, got.Kind)
		require.Equal(t, int64(10000), got.Amount)
		require.Equal(t, "i-1", got.IntentID)
	}
}

func TestHubForgetsDisconnectedTerminal(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Notify(context.Background(), Event{Kind: PaymentRequested}))
}

func TestRedisPublisher(t *testing.T) {
	url := os.Getenv("CRYPTOPAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CRYPTOPAY_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	pub, err := NewRedisPublisherFromURL(ctx, url, "cryptopay.test")
	require.NoError(t, err)
	defer pub.Close()

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	sub := redis.NewClient(opts).Subscribe(ctx, "cryptopay.test")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, pub.Notify(ctx, Event{Kind: PaymentConfirmed, Amount: 2500, Currency: "USD"}))

	select {
	case msg := <-sub.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, int64(2500), got.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
