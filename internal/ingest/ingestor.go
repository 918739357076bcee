package ingest

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"livetrader/internal/bus"
	"livetrader/internal/obs"
	"livetrader/internal/schema"
	"livetrader/internal/transport"
	"livetrader/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultQueueCapacity       = 1024
	defaultMaxDeliveryAttempts = 5
	defaultStopTimeout         = 10 * time.Second
)

// Config controls a single ingestor.
type Config struct {
	Topic               string
	QueueCapacity       int
	Overflow            bus.OverflowPolicy
	MaxDeliveryAttempts int
	// DedupWindow is how many recent message IDs are remembered.
	DedupWindow int
	Metrics     *obs.Metrics
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = defaultMaxDeliveryAttempts
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 4 * c.QueueCapacity
	}
	return c
}

// Ingestor owns one symbol's subscription and buffers its decoded messages
// until the loop drains them.
type Ingestor struct {
	symbol  schema.Symbol
	cfg     Config
	client  transport.Client
	sub     transport.Subscription
	handle  *transport.Handle
	queue   *bus.Queue[schema.Record]
	dedup   *dedupWindow
	metrics *obs.Metrics

	attemptsMu sync.Mutex
	attempts   map[string]int

	state   atomic.Uint32
	stopped atomic.Bool
}

// Start creates a filtered subscription for symbol and begins asynchronous
// delivery. The ingestor takes ownership of client: it is closed on Stop, or
// before Start returns an error.
func Start(ctx context.Context, client transport.Client, symbol schema.Symbol, cfg Config) (*Ingestor, error) {
	if client == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "start ingestor").With("symbol", symbol)
	}
	cfg = cfg.withDefaults()
	in := &Ingestor{
		symbol:   symbol,
		cfg:      cfg,
		client:   client,
		queue:    bus.NewQueue[schema.Record](cfg.QueueCapacity, cfg.Overflow),
		dedup:    newDedupWindow(cfg.DedupWindow),
		metrics:  cfg.Metrics,
		attempts: make(map[string]int),
	}

	sub, err := client.CreateSubscription(ctx, cfg.Topic, transport.SymbolFilter(string(symbol)))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create subscription").With("symbol", symbol).With("topic", cfg.Topic)
	}
	in.sub = sub
	in.setState(StateCreated)

	handle, err := client.Subscribe(ctx, sub, in.receive)
	if err != nil {
		if derr := client.DeleteSubscription(ctx, sub); derr != nil {
			logs.Errorf("ingest: delete subscription after failed subscribe, symbol: %s, err: %+v", symbol, derr)
		}
		_ = client.Close()
		return nil, errors.Wrap(err, "subscribe").With("symbol", symbol).With("subscription", sub.ID)
	}
	in.handle = handle
	in.setState(StateActive)

	logs.Infof("ingest: started, symbol: %s, topic: %s, subscription: %s", symbol, cfg.Topic, sub.ID)
	return in, nil
}

// Symbol returns the ingested symbol.
func (in *Ingestor) Symbol() schema.Symbol {
	return in.symbol
}

// State returns the subscription state.
func (in *Ingestor) State() SubscriptionState {
	return SubscriptionState(in.state.Load())
}

// Subscription returns the subscription created by Start.
func (in *Ingestor) Subscription() transport.Subscription {
	return in.sub
}

// Len returns the number of buffered records.
func (in *Ingestor) Len() int {
	return in.queue.Len()
}

// Drain returns every buffered record in arrival order and clears the buffer.
// It never blocks on the transport.
func (in *Ingestor) Drain() ([]schema.Record, error) {
	if in.stopped.Load() {
		return nil, exception.ErrIngestStopped
	}
	records := in.queue.Drain()
	in.metrics.SetQueueDepth(in.symbol, 0)
	return records, nil
}

// Stop cancels delivery, deletes the subscription, closes the client, and
// closes the buffer. Every step runs even when an earlier one fails.
func (in *Ingestor) Stop(ctx context.Context) error {
	if !in.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultStopTimeout)
		defer cancel()
	}

	var errs []error
	in.handle.Cancel()
	if err := in.handle.Wait(ctx); err != nil {
		logs.Warnf("ingest: receiver did not exit cleanly, symbol: %s, err: %+v", in.symbol, err)
	}
	in.setState(StateCancelled)

	if err := in.client.DeleteSubscription(ctx, in.sub); err != nil {
		logs.Errorf("ingest: delete subscription, symbol: %s, subscription: %s, err: %+v", in.symbol, in.sub.ID, err)
		errs = append(errs, err)
	} else {
		in.setState(StateDeleted)
	}

	if err := in.client.Close(); err != nil {
		logs.Errorf("ingest: close client, symbol: %s, err: %+v", in.symbol, err)
		errs = append(errs, err)
	}
	in.queue.Close()

	if len(errs) != 0 {
		return stderrors.Join(append([]error{exception.ErrPartialFailure}, errs...)...)
	}
	logs.Infof("ingest: stopped, symbol: %s", in.symbol)
	return nil
}

func (in *Ingestor) setState(s SubscriptionState) {
	in.state.Store(uint32(s))
}

// receive runs on transport goroutines.
func (in *Ingestor) receive(_ context.Context, msg *transport.Message) {
	fields, err := decode(msg.Data)
	if err != nil {
		logs.Warnf("ingest: drop malformed message, symbol: %s, id: %s, err: %+v", in.symbol, msg.ID, err)
		in.metrics.ObserveMessage(in.symbol, obs.MessageMalformed)
		in.forget(msg.ID)
		msg.Ack()
		return
	}
	if s, ok := fields["symbol"].(string); ok && s != "" && schema.Symbol(s) != in.symbol {
		logs.Warnf("ingest: drop message for another symbol, symbol: %s, got: %s, id: %s", in.symbol, s, msg.ID)
		in.metrics.ObserveMessage(in.symbol, obs.MessageMalformed)
		in.forget(msg.ID)
		msg.Ack()
		return
	}
	if !in.dedup.Add(msg.ID) {
		in.metrics.ObserveMessage(in.symbol, obs.MessageDuplicate)
		in.forget(msg.ID)
		msg.Ack()
		return
	}

	record := schema.Record{
		MessageID:  msg.ID,
		Symbol:     in.symbol,
		Fields:     fields,
		ReceivedAt: time.Now().UTC(),
	}
	evicted, err := in.queue.Push(record)
	switch {
	case err == nil:
		if evicted {
			logs.Warnf("ingest: buffer full, evicted oldest record, symbol: %s", in.symbol)
			in.metrics.ObserveMessage(in.symbol, obs.MessageEvicted)
		}
		in.metrics.ObserveMessage(in.symbol, obs.MessageBuffered)
		in.metrics.SetQueueDepth(in.symbol, in.queue.Len())
		in.forget(msg.ID)
		msg.Ack()
	default:
		in.dedup.Remove(msg.ID)
		attempt := in.attempt(msg)
		if attempt < in.cfg.MaxDeliveryAttempts {
			in.metrics.ObserveMessage(in.symbol, obs.MessageNacked)
			msg.Nack()
			return
		}
		logs.Errorf("ingest: drop message after %d delivery attempts, symbol: %s, id: %s, err: %+v", attempt, in.symbol, msg.ID, err)
		in.metrics.ObserveMessage(in.symbol, obs.MessageDropped)
		in.forget(msg.ID)
		msg.Ack()
	}
}

// attempt returns the delivery attempt of msg, counting locally when the
// transport does not.
func (in *Ingestor) attempt(msg *transport.Message) int {
	in.attemptsMu.Lock()
	defer in.attemptsMu.Unlock()
	if len(in.attempts) > in.cfg.DedupWindow {
		clear(in.attempts)
	}
	in.attempts[msg.ID]++
	return max(in.attempts[msg.ID], msg.DeliveryAttempt)
}

func (in *Ingestor) forget(id string) {
	in.attemptsMu.Lock()
	delete(in.attempts, id)
	in.attemptsMu.Unlock()
}

// decode parses a payload into a JSON object.
func decode(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return nil, stderrors.Join(exception.ErrMalformedInput, err)
	}
	if fields == nil {
		return nil, stderrors.Join(exception.ErrMalformedInput, exception.ErrIngestNotObject)
	}
	return fields, nil
}
