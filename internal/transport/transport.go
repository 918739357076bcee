package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SymbolAttribute is the message attribute used to route per-symbol data.
const SymbolAttribute = "symbol"

// Client is a publish/subscribe transport. One client is owned by one
// ingestor; it is closed when the ingestor stops.
type Client interface {
	CreateSubscription(ctx context.Context, topic string, filter Filter) (Subscription, error)
	Subscribe(ctx context.Context, sub Subscription, handler Handler) (*Handle, error)
	DeleteSubscription(ctx context.Context, sub Subscription) error
	Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error)
	Close() error
}

// Factory creates a fresh client.
type Factory func(ctx context.Context) (Client, error)

// Handler receives messages on a transport goroutine. It must ack or nack
// every message.
type Handler func(ctx context.Context, msg *Message)

// Filter restricts a subscription to messages whose attribute equals value.
type Filter struct {
	Attribute string
	Value     string
}

// SymbolFilter filters on the symbol attribute.
func SymbolFilter(symbol string) Filter {
	return Filter{Attribute: SymbolAttribute, Value: symbol}
}

// Expression renders the filter in Pub/Sub filter syntax.
func (f Filter) Expression() string {
	if f.Attribute == "" {
		return ""
	}
	return fmt.Sprintf("attributes.%s = %q", f.Attribute, f.Value)
}

// Match reports whether attributes satisfy the filter.
func (f Filter) Match(attributes map[string]string) bool {
	if f.Attribute == "" {
		return true
	}
	v, ok := attributes[f.Attribute]
	return ok && v == f.Value
}

// Subscription names a server-side subscription.
type Subscription struct {
	ID     string
	Topic  string
	Filter Filter
}

// Message is a raw delivery. DeliveryAttempt is 1 for the first delivery and
// 0 when the transport does not track attempts.
type Message struct {
	ID              string
	Data            []byte
	Attributes      map[string]string
	DeliveryAttempt int
	PublishTime     time.Time

	settled atomic.Bool
	ack     func()
	nack    func()
}

// NewMessage builds a message whose Ack and Nack call the given functions.
func NewMessage(id string, data []byte, attributes map[string]string, attempt int, ack, nack func()) *Message {
	return &Message{
		ID:              id,
		Data:            data,
		Attributes:      attributes,
		DeliveryAttempt: attempt,
		PublishTime:     time.Now(),
		ack:             ack,
		nack:            nack,
	}
}

// Ack confirms the message. Only the first Ack or Nack has an effect.
func (m *Message) Ack() {
	if m.settled.CompareAndSwap(false, true) && m.ack != nil {
		m.ack()
	}
}

// Nack asks the transport to redeliver the message.
func (m *Message) Nack() {
	if m.settled.CompareAndSwap(false, true) && m.nack != nil {
		m.nack()
	}
}

// Settled reports whether Ack or Nack was called.
func (m *Message) Settled() bool {
	return m.settled.Load()
}

// Handle controls a running subscription receiver.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newHandle(cancel context.CancelFunc) *Handle {
	return &Handle{cancel: cancel, done: make(chan struct{})}
}

// Cancel stops delivery. It does not wait for the receiver to exit.
func (h *Handle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// Done is closed once the receiver has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the receiver exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the receiver's terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// subscriptionID builds a unique, transport-safe subscription name.
func subscriptionID(topic string, filter Filter, suffix string) string {
	var b strings.Builder
	b.WriteString(sanitize(topic))
	if filter.Value != "" {
		b.WriteByte('-')
		b.WriteString(sanitize(filter.Value))
	}
	if suffix != "" {
		b.WriteByte('-')
		b.WriteString(suffix)
	}
	return b.String()
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
