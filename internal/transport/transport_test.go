package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livetrader/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *collector) handle(nackFirst bool) Handler {
	return func(_ context.Context, msg *Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
		if nackFirst && msg.DeliveryAttempt == 1 {
			msg.Nack()
			return
		}
		msg.Ack()
	}
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) at(i int) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

func TestFilterExpressionAndMatch(t *testing.T) {
	f := SymbolFilter("BTC/USD")
	assert.Equal(t, `attributes.symbol = "BTC/USD"`, f.Expression())
	assert.True(t, f.Match(map[string]string{"symbol": "BTC/USD"}))
	assert.False(t, f.Match(map[string]string{"symbol": "AAPL"}))
	assert.False(t, f.Match(nil))
	assert.True(t, Filter{}.Match(nil))
	assert.Empty(t, Filter{}.Expression())
}

func TestSubscriptionIDIsSanitized(t *testing.T) {
	assert.Equal(t, "crypto-data-BTC-USD-ab12", subscriptionID("crypto-data", SymbolFilter("BTC/USD"), "ab12"))
}

func TestMessageSettlesOnce(t *testing.T) {
	acks, nacks := 0, 0
	msg := NewMessage("1", nil, nil, 1, func() { acks++ }, func() { nacks++ })
	msg.Ack()
	msg.Nack()
	msg.Ack()
	assert.True(t, msg.Settled())
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)
}

func TestMemoryFilteredDelivery(t *testing.T) {
	broker := NewMemoryBroker("market-data")
	client := broker.Client()
	ctx := t.Context()

	sub, err := client.CreateSubscription(ctx, "market-data", SymbolFilter("AAPL"))
	require.NoError(t, err)
	var got collector
	h, err := client.Subscribe(ctx, sub, got.handle(false))
	require.NoError(t, err)

	_, err = client.Publish(ctx, "market-data", []byte(`{"close":1}`), map[string]string{"symbol": "MSFT"})
	require.NoError(t, err)
	_, err = client.Publish(ctx, "market-data", []byte(`{"close":2}`), map[string]string{"symbol": "AAPL"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"close":2}`, string(got.at(0).Data))

	h.Cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestMemoryNackRedelivers(t *testing.T) {
	broker := NewMemoryBroker("market-data")
	client := broker.Client()
	ctx := t.Context()

	sub, err := client.CreateSubscription(ctx, "market-data", SymbolFilter("AAPL"))
	require.NoError(t, err)
	var got collector
	h, err := client.Subscribe(ctx, sub, got.handle(true))
	require.NoError(t, err)
	defer h.Cancel()

	require.NoError(t, broker.PublishWithID("market-data", "m-1", []byte(`{}`), map[string]string{"symbol": "AAPL"}))
	require.Eventually(t, func() bool { return got.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "m-1", got.at(1).ID)
	assert.Equal(t, 2, got.at(1).DeliveryAttempt)
}

func TestMemorySubscriptionLifecycle(t *testing.T) {
	broker := NewMemoryBroker("market-data")
	client := broker.Client()
	ctx := t.Context()

	sub, err := client.CreateSubscription(ctx, "market-data", SymbolFilter("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, 1, broker.Live())

	require.NoError(t, client.DeleteSubscription(ctx, sub))
	assert.Equal(t, 0, broker.Live())
	assert.Equal(t, 1, broker.Created())
	assert.Equal(t, 1, broker.Deleted())

	err = client.DeleteSubscription(ctx, sub)
	require.ErrorIs(t, err, exception.ErrTransportSubscriptionGone)

	_, err = client.CreateSubscription(ctx, "nope", SymbolFilter("AAPL"))
	require.ErrorIs(t, err, exception.ErrTransportUnknownTopic)
}

func TestMemoryFailCreate(t *testing.T) {
	broker := NewMemoryBroker("market-data")
	boom := errors.New("boom")
	broker.FailCreate = func(_ string, f Filter) error {
		if f.Value == "MSFT" {
			return boom
		}
		return nil
	}
	client := broker.Client()
	_, err := client.CreateSubscription(t.Context(), "market-data", SymbolFilter("MSFT"))
	require.ErrorIs(t, err, boom)
	_, err = client.CreateSubscription(t.Context(), "market-data", SymbolFilter("AAPL"))
	require.NoError(t, err)
}

func TestMemoryClosedClient(t *testing.T) {
	client := NewMemoryBroker("market-data").Client()
	require.NoError(t, client.Close())
	_, err := client.CreateSubscription(t.Context(), "market-data", Filter{})
	require.ErrorIs(t, err, exception.ErrTransportClosed)
}

func TestDecodeRedisMessage(t *testing.T) {
	payload, err := sonic.MarshalString(redisEnvelope{ID: "abc", Attributes: map[string]string{"symbol": "AAPL"}, Data: []byte(`{"close":1}`)})
	require.NoError(t, err)
	msg := decodeRedisMessage("market-data:AAPL", payload)
	assert.Equal(t, "abc", msg.ID)
	assert.Equal(t, "AAPL", msg.Attributes["symbol"])
	assert.Equal(t, `{"close":1}`, string(msg.Data))

	raw := decodeRedisMessage("market-data:AAPL", `{"close":2}`)
	assert.NotEmpty(t, raw.ID)
	assert.Equal(t, `{"close":2}`, string(raw.Data))
}

func TestRedisChannel(t *testing.T) {
	assert.Equal(t, "market-data:AAPL", redisChannel("market-data", SymbolFilter("AAPL")))
	assert.Equal(t, "market-data", redisChannel("market-data", Filter{}))
}
