package transport

import (
	"context"
	"strconv"
	"sync"

	"livetrader/pkg/exception"

	"github.com/yanun0323/errors"
)

// MemoryBroker is an in-process pub/sub server. Every client created from it
// shares the same topics, which makes it useful for tests and local runs.
type MemoryBroker struct {
	mu      sync.Mutex
	topics  map[string]map[string]*memorySub
	seq     uint64
	created int
	deleted int

	// FailCreate, when set, is consulted before creating a subscription.
	FailCreate func(topic string, filter Filter) error
}

// NewMemoryBroker creates a broker with the given topics.
func NewMemoryBroker(topics ...string) *MemoryBroker {
	b := &MemoryBroker{topics: make(map[string]map[string]*memorySub)}
	for _, t := range topics {
		b.topics[t] = make(map[string]*memorySub)
	}
	return b
}

// Client returns a new client bound to the broker.
func (b *MemoryBroker) Client() *MemoryClient {
	return &MemoryClient{broker: b}
}

// Factory returns a Factory producing memory clients.
func (b *MemoryBroker) Factory() Factory {
	return func(context.Context) (Client, error) {
		return b.Client(), nil
	}
}

// Created returns how many subscriptions were ever created.
func (b *MemoryBroker) Created() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// Deleted returns how many subscriptions were deleted.
func (b *MemoryBroker) Deleted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted
}

// Live returns how many subscriptions currently exist.
func (b *MemoryBroker) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, subs := range b.topics {
		n += len(subs)
	}
	return n
}

// PublishWithID delivers a message with a caller-chosen ID, which simulates a
// redelivery of an earlier message.
func (b *MemoryBroker) PublishWithID(topic, id string, data []byte, attributes map[string]string) error {
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return errors.Wrap(exception.ErrTransportUnknownTopic, "publish").With("topic", topic)
	}
	targets := make([]*memorySub, 0, len(subs))
	for _, s := range subs {
		if s.sub.Filter.Match(attributes) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(memoryDelivery{id: id, data: data, attributes: attributes, attempt: 1})
	}
	return nil
}

func (b *MemoryBroker) nextID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return strconv.FormatUint(b.seq, 10)
}

// MemoryClient is a Client backed by a MemoryBroker.
type MemoryClient struct {
	broker *MemoryBroker

	mu     sync.Mutex
	closed bool
}

var _ Client = (*MemoryClient)(nil)

func (c *MemoryClient) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return exception.ErrTransportClosed
	}
	return nil
}

func (c *MemoryClient) CreateSubscription(_ context.Context, topic string, filter Filter) (Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return Subscription{}, err
	}
	b := c.broker
	if b.FailCreate != nil {
		if err := b.FailCreate(topic, filter); err != nil {
			return Subscription{}, err
		}
	}

	id := subscriptionID(topic, filter, b.nextID())
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return Subscription{}, errors.Wrap(exception.ErrTransportUnknownTopic, "create subscription").With("topic", topic)
	}
	sub := Subscription{ID: id, Topic: topic, Filter: filter}
	subs[id] = &memorySub{sub: sub, notify: make(chan struct{}, 1)}
	b.created++
	return sub, nil
}

func (c *MemoryClient) Subscribe(ctx context.Context, sub Subscription, handler Handler) (*Handle, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	s := c.broker.lookup(sub)
	if s == nil {
		return nil, errors.Wrap(exception.ErrTransportSubscriptionGone, "subscribe").With("subscription", sub.ID)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := newHandle(cancel)
	go func() {
		h.finish(s.receive(rctx, handler))
	}()
	return h, nil
}

func (c *MemoryClient) DeleteSubscription(_ context.Context, sub Subscription) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.Topic]
	if !ok {
		return errors.Wrap(exception.ErrTransportUnknownTopic, "delete subscription").With("topic", sub.Topic)
	}
	if _, ok := subs[sub.ID]; !ok {
		return errors.Wrap(exception.ErrTransportSubscriptionGone, "delete subscription").With("subscription", sub.ID)
	}
	delete(subs, sub.ID)
	b.deleted++
	return nil
}

func (c *MemoryClient) Publish(_ context.Context, topic string, data []byte, attributes map[string]string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	id := c.broker.nextID()
	if err := c.broker.PublishWithID(topic, id, data, attributes); err != nil {
		return "", err
	}
	return id, nil
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (b *MemoryBroker) lookup(sub Subscription) *memorySub {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[sub.Topic][sub.ID]
}

type memoryDelivery struct {
	id         string
	data       []byte
	attributes map[string]string
	attempt    int
}

type memorySub struct {
	sub Subscription

	mu      sync.Mutex
	pending []memoryDelivery
	notify  chan struct{}
}

func (s *memorySub) enqueue(d memoryDelivery) {
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) pop() (memoryDelivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return memoryDelivery{}, false
	}
	d := s.pending[0]
	s.pending = s.pending[1:]
	return d, true
}

func (s *memorySub) receive(ctx context.Context, handler Handler) error {
	for {
		d, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.notify:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		redeliver := d
		redeliver.attempt++
		msg := NewMessage(d.id, d.data, d.attributes, d.attempt, nil, func() { s.enqueue(redeliver) })
		handler(ctx, msg)
	}
}
