package transport

import (
	"context"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultPubSubAckDeadline = 30 * time.Second
	defaultPubSubExpiration  = 24 * time.Hour
	defaultPubSubOutstanding = 1000
)

// PubSubOption configures a Google Cloud Pub/Sub client.
type PubSubOption struct {
	ProjectID   string
	AckDeadline time.Duration
	// Expiration deletes an idle subscription server side, so a subscription
	// orphaned by a crash does not live forever.
	Expiration     time.Duration
	MaxOutstanding int
}

// PubSub is a Client backed by Google Cloud Pub/Sub.
type PubSub struct {
	opt    PubSubOption
	client *pubsub.Client
}

var _ Client = (*PubSub)(nil)

// NewPubSub connects to Pub/Sub using application default credentials.
func NewPubSub(ctx context.Context, opt PubSubOption) (*PubSub, error) {
	if opt.AckDeadline <= 0 {
		opt.AckDeadline = defaultPubSubAckDeadline
	}
	if opt.Expiration <= 0 {
		opt.Expiration = defaultPubSubExpiration
	}
	if opt.MaxOutstanding <= 0 {
		opt.MaxOutstanding = defaultPubSubOutstanding
	}
	client, err := pubsub.NewClient(ctx, opt.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "new pubsub client").With("project", opt.ProjectID)
	}
	return &PubSub{opt: opt, client: client}, nil
}

// PubSubFactory returns a Factory creating one Pub/Sub client per call.
func PubSubFactory(opt PubSubOption) Factory {
	return func(ctx context.Context) (Client, error) {
		return NewPubSub(ctx, opt)
	}
}

func (p *PubSub) CreateSubscription(ctx context.Context, topic string, filter Filter) (Subscription, error) {
	id := subscriptionID(topic, filter, uuid.NewString()[:8])
	cfg := pubsub.SubscriptionConfig{
		Topic:            p.client.Topic(topic),
		Filter:           filter.Expression(),
		AckDeadline:      p.opt.AckDeadline,
		ExpirationPolicy: p.opt.Expiration,
	}
	if _, err := p.client.CreateSubscription(ctx, id, cfg); err != nil {
		return Subscription{}, errors.Wrap(err, "create subscription").With("topic", topic).With("subscription", id)
	}
	return Subscription{ID: id, Topic: topic, Filter: filter}, nil
}

func (p *PubSub) Subscribe(ctx context.Context, sub Subscription, handler Handler) (*Handle, error) {
	s := p.client.Subscription(sub.ID)
	s.ReceiveSettings.MaxOutstandingMessages = p.opt.MaxOutstanding

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := newHandle(cancel)
	go func() {
		err := s.Receive(rctx, func(ctx context.Context, m *pubsub.Message) {
			attempt := 0
			if m.DeliveryAttempt != nil {
				attempt = *m.DeliveryAttempt
			}
			msg := NewMessage(m.ID, m.Data, m.Attributes, attempt, m.Ack, m.Nack)
			msg.PublishTime = m.PublishTime
			handler(ctx, msg)
		})
		if err != nil {
			logs.Errorf("pubsub: receive stopped, subscription: %s, err: %+v", sub.ID, err)
		}
		h.finish(err)
	}()
	return h, nil
}

func (p *PubSub) DeleteSubscription(ctx context.Context, sub Subscription) error {
	if err := p.client.Subscription(sub.ID).Delete(ctx); err != nil {
		return errors.Wrap(err, "delete subscription").With("subscription", sub.ID)
	}
	return nil
}

func (p *PubSub) Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error) {
	t := p.client.Topic(topic)
	defer t.Stop()
	id, err := t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes}).Get(ctx)
	if err != nil {
		return "", errors.Wrap(err, "publish").With("topic", topic)
	}
	return id, nil
}

func (p *PubSub) Close() error {
	return p.client.Close()
}
