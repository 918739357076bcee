package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"livetrader/internal/bus"
	"livetrader/internal/transport"
	"livetrader/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topic = "market-data"

type settle struct {
	acks, nacks int
}

func (s *settle) message(id, data string, attempt int) *transport.Message {
	return transport.NewMessage(id, []byte(data), map[string]string{"symbol": "AAPL"}, attempt,
		func() { s.acks++ }, func() { s.nacks++ })
}

func newTestIngestor(t *testing.T, cfg Config) (*Ingestor, *transport.MemoryBroker) {
	t.Helper()
	broker := transport.NewMemoryBroker(topic)
	cfg.Topic = topic
	in, err := Start(t.Context(), broker.Client(), "AAPL", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = in.Stop(context.Background()) })
	return in, broker
}

func TestDrainNeverReturnsDuplicates(t *testing.T) {
	in, _ := newTestIngestor(t, Config{QueueCapacity: 16})
	var s settle

	in.receive(t.Context(), s.message("m-1", `{"close":1}`, 1))
	in.receive(t.Context(), s.message("m-2", `{"close":2}`, 1))
	in.receive(t.Context(), s.message("m-1", `{"close":1}`, 2))

	first, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "m-1", first[0].MessageID)
	assert.Equal(t, "m-2", first[1].MessageID)

	in.receive(t.Context(), s.message("m-2", `{"close":2}`, 3))
	second, err := in.Drain()
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 4, s.acks)
	assert.Zero(t, s.nacks)
}

func TestMalformedMessagesAreAckedAndDropped(t *testing.T) {
	in, _ := newTestIngestor(t, Config{QueueCapacity: 16})
	var s settle

	bad := []string{`not json`, `[1,2,3]`, `null`, `{"close":`, `{"symbol":"MSFT","close":1}`}
	for i, payload := range bad {
		in.receive(t.Context(), s.message(fmt.Sprintf("bad-%d", i), payload, 1))
	}
	in.receive(t.Context(), s.message("good", `{"symbol":"AAPL","close":101.5,"timestamp":"2024-01-02T15:00:00Z"}`, 1))

	records, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "good", records[0].MessageID)
	assert.Equal(t, 101.5, records[0].Fields["close"])
	assert.Equal(t, len(bad)+1, s.acks)
	assert.Zero(t, s.nacks)
}

func TestRejectPolicyNacksWithinBudget(t *testing.T) {
	in, _ := newTestIngestor(t, Config{QueueCapacity: 1, Overflow: bus.OverflowReject, MaxDeliveryAttempts: 3})
	var s settle

	in.receive(t.Context(), s.message("m-1", `{"close":1}`, 1))
	in.receive(t.Context(), s.message("m-2", `{"close":2}`, 1))
	assert.Equal(t, 1, s.acks)
	assert.Equal(t, 1, s.nacks)

	in.receive(t.Context(), s.message("m-2", `{"close":2}`, 2))
	assert.Equal(t, 2, s.nacks)

	in.receive(t.Context(), s.message("m-2", `{"close":2}`, 3))
	assert.Equal(t, 2, s.nacks)
	assert.Equal(t, 2, s.acks)

	records, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "m-1", records[0].MessageID)
}

func TestRejectPolicyAcceptsRedeliveryAfterDrain(t *testing.T) {
	in, _ := newTestIngestor(t, Config{QueueCapacity: 1, Overflow: bus.OverflowReject, MaxDeliveryAttempts: 5})
	var s settle

	in.receive(t.Context(), s.message("m-1", `{"close":1}`, 1))
	in.receive(t.Context(), s.message("m-2", `{"close":2}`, 1))
	_, err := in.Drain()
	require.NoError(t, err)

	in.receive(t.Context(), s.message("m-2", `{"close":2}`, 2))
	records, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "m-2", records[0].MessageID)
}

func TestDropOldestKeepsNewest(t *testing.T) {
	in, _ := newTestIngestor(t, Config{QueueCapacity: 2, Overflow: bus.OverflowDropOldest})
	var s settle
	for i := 1; i <= 3; i++ {
		in.receive(t.Context(), s.message(fmt.Sprintf("m-%d", i), fmt.Sprintf(`{"close":%d}`, i), 1))
	}
	records, err := in.Drain()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "m-2", records[0].MessageID)
	assert.Equal(t, "m-3", records[1].MessageID)
	assert.Equal(t, 3, s.acks)
}

func TestEndToEndDeliveryThroughTransport(t *testing.T) {
	in, broker := newTestIngestor(t, Config{QueueCapacity: 16})
	attrs := map[string]string{"symbol": "AAPL"}
	require.NoError(t, broker.PublishWithID(topic, "a", []byte(`{"close":1}`), attrs))
	require.NoError(t, broker.PublishWithID(topic, "b", []byte(`{"close":2}`), map[string]string{"symbol": "MSFT"}))
	require.NoError(t, broker.PublishWithID(topic, "a", []byte(`{"close":1}`), attrs))
	require.NoError(t, broker.PublishWithID(topic, "c", []byte(`{"close":3}`), attrs))

	require.Eventually(t, func() bool { return in.Len() == 2 }, time.Second, 5*time.Millisecond)
	records, err := in.Drain()
	require.NoError(t, err)
	assert.Equal(t, "a", records[0].MessageID)
	assert.Equal(t, "c", records[1].MessageID)
}

func TestStopDeletesSubscription(t *testing.T) {
	broker := transport.NewMemoryBroker(topic)
	in, err := Start(t.Context(), broker.Client(), "AAPL", Config{Topic: topic})
	require.NoError(t, err)
	assert.Equal(t, StateActive, in.State())
	assert.Equal(t, 1, broker.Live())

	require.NoError(t, in.Stop(t.Context()))
	assert.Equal(t, StateDeleted, in.State())
	assert.Equal(t, 0, broker.Live())
	assert.Equal(t, 1, broker.Deleted())

	_, err = in.Drain()
	require.ErrorIs(t, err, exception.ErrIngestStopped)
	require.NoError(t, in.Stop(t.Context()))
}

type failingClient struct {
	transport.Client
	subscribeErr error
	deleteErr    error
	deleted      int
	closed       int
}

func (c *failingClient) Subscribe(ctx context.Context, sub transport.Subscription, h transport.Handler) (*transport.Handle, error) {
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	return c.Client.Subscribe(ctx, sub, h)
}

func (c *failingClient) DeleteSubscription(ctx context.Context, sub transport.Subscription) error {
	c.deleted++
	if c.deleteErr != nil {
		return c.deleteErr
	}
	return c.Client.DeleteSubscription(ctx, sub)
}

func (c *failingClient) Close() error {
	c.closed++
	return c.Client.Close()
}

func TestStartFailureDoesNotLeakSubscription(t *testing.T) {
	broker := transport.NewMemoryBroker(topic)
	client := &failingClient{Client: broker.Client(), subscribeErr: errors.New("boom")}

	_, err := Start(t.Context(), client, "AAPL", Config{Topic: topic})
	require.Error(t, err)
	assert.Equal(t, 1, client.deleted)
	assert.Equal(t, 1, client.closed)
	assert.Equal(t, 0, broker.Live())
}

func TestStartCreateFailureClosesClient(t *testing.T) {
	broker := transport.NewMemoryBroker(topic)
	broker.FailCreate = func(string, transport.Filter) error { return errors.New("quota") }
	client := &failingClient{Client: broker.Client()}

	_, err := Start(t.Context(), client, "AAPL", Config{Topic: topic})
	require.Error(t, err)
	assert.Equal(t, 0, client.deleted)
	assert.Equal(t, 1, client.closed)
}

func TestStopContinuesAfterDeleteFailure(t *testing.T) {
	broker := transport.NewMemoryBroker(topic)
	boom := errors.New("delete failed")
	client := &failingClient{Client: broker.Client(), deleteErr: boom}
	in, err := Start(t.Context(), client, "AAPL", Config{Topic: topic})
	require.NoError(t, err)

	err = in.Stop(t.Context())
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, exception.ErrPartialFailure)
	assert.Equal(t, 1, client.closed)
	assert.Equal(t, StateCancelled, in.State())
}

func TestDedupWindowEvictsOldest(t *testing.T) {
	d := newDedupWindow(2)
	assert.True(t, d.Add("a"))
	assert.True(t, d.Add("b"))
	assert.False(t, d.Add("a"))
	assert.True(t, d.Add("c"))
	assert.True(t, d.Add("a"))

	d.Remove("c")
	assert.True(t, d.Add("c"))
}
