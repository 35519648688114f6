package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

type memorySink struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Deliver(_ context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	first := &memorySink{}
	failing := &memorySink{err: errors.New("sink offline")}
	d := NewDispatcher(8, logger, first, failing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Publish(models.NewEvent(models.EventTripStatusChanged, "trip-1"))
	d.Publish(models.NewEvent(models.EventTicketUsed, "trip-1"))

	assert.Eventually(t, func() bool { return first.len() == 2 && failing.len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int64(2), d.Stats()["delivered"])
	assert.Equal(t, "Event delivery failed", hook.LastEntry().Message)
	assert.Equal(t, "memory", hook.LastEntry().Data["sink"])
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &memorySink{}
	d := NewDispatcher(2, logger, sink)

	for i := 0; i < 5; i++ {
		d.Publish(models.NewEvent(models.EventReservationCreated, "trip-1"))
	}
	stats := d.Stats()
	assert.Equal(t, int64(3), stats["dropped"])
	assert.Equal(t, int64(2), stats["buffered"])
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	// Close drains what was accepted
	d.Close()
	d.Run(context.Background())
	assert.Equal(t, 2, sink.len())

	d.Publish(models.NewEvent(models.EventReservationCreated, "trip-1"))
	assert.Equal(t, int64(4), d.Stats()["dropped"])
	assert.Equal(t, 2, sink.len())
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := NewLogSink(logger)

	e := models.NewEvent(models.EventTripStatusChanged, "trip-9")
	e.FromStatus, e.ToStatus = "boarding", "departed"
	require.NoError(t, sink.Deliver(context.Background(), e))

	entry := hook.LastEntry()
	assert.Equal(t, "event", entry.Message)
	assert.Equal(t, "trip-9", entry.Data["trip_id"])
	assert.Equal(t, "departed", entry.Data["to"])
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	sub := client.Subscribe(ctx, "ticketing.events", PassengerChannel("ticketing.events", "0771234567"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "ticketing.events")
	e := models.NewEvent(models.EventPassengerTripUpdate, "trip-3")
	e.PassengerPhone = "0771234567"
	require.NoError(t, sink.Deliver(ctx, e))

	channels := map[string]models.Event{}
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var got models.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		channels[msg.Channel] = got
	}

	require.Contains(t, channels, "ticketing.events")
	require.Contains(t, channels, "ticketing.events.passenger.0771234567")
	assert.Equal(t, e.ID, channels["ticketing.events"].ID)
	assert.Equal(t, models.EventPassengerTripUpdate, channels["ticketing.events"].Type)
}

func TestRedisSink_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisSink(client, "ticketing.events").Deliver(context.Background(), models.NewEvent(models.EventTicketUsed, "trip-1"))
	assert.ErrorContains(t, err, "failed to publish event")
}

func TestHub_PushesTripEvents(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(nil, logger)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/trips/"))
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/trips/trip-ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount("trip-ws") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Deliver(context.Background(), models.NewEvent(models.EventTripStatusChanged, "other-trip")))
	e := models.NewEvent(models.EventTripStatusChanged, "trip-ws")
	e.ToStatus = "boarding"
	require.NoError(t, hub.Deliver(context.Background(), e))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got models.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "boarding", got.ToStatus)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount("trip-ws") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub([]string{"https://app.smarttransit.lk"}, logger)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, "trip-1")
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, hub.ClientCount("trip-1"))
}
