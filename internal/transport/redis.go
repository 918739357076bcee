package transport

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// RedisOption configures a Redis pub/sub client.
type RedisOption struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Client backed by Redis pub/sub. Redis has no server-side
// subscription objects and no redelivery, so subscriptions map to channels
// named "<topic>:<value>" and Nack only logs.
type Redis struct {
	rdb *redis.Client
}

var _ Client = (*Redis)(nil)

// NewRedis creates a Redis client.
func NewRedis(opt RedisOption) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})}
}

// RedisFactory returns a Factory creating one Redis client per call. Each
// client is pinged before it is handed out.
func RedisFactory(opt RedisOption) Factory {
	return func(ctx context.Context) (Client, error) {
		c := NewRedis(opt)
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			_ = c.rdb.Close()
			return nil, errors.Wrap(err, "ping redis").With("addr", opt.Addr)
		}
		return c, nil
	}
}

// redisEnvelope carries message metadata through a Redis channel.
type redisEnvelope struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Data       []byte            `json:"data"`
}

func redisChannel(topic string, filter Filter) string {
	if filter.Value == "" {
		return topic
	}
	return topic + ":" + filter.Value
}

func (r *Redis) CreateSubscription(_ context.Context, topic string, filter Filter) (Subscription, error) {
	return Subscription{ID: redisChannel(topic, filter), Topic: topic, Filter: filter}, nil
}

func (r *Redis) Subscribe(ctx context.Context, sub Subscription, handler Handler) (*Handle, error) {
	ps := r.rdb.Subscribe(ctx, sub.ID)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "subscribe redis channel").With("channel", sub.ID)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := newHandle(cancel)
	ch := ps.Channel()
	go func() {
		defer func() {
			h.finish(ps.Close())
		}()
		for {
			select {
			case <-rctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				handler(rctx, decodeRedisMessage(sub.ID, m.Payload))
			}
		}
	}()
	return h, nil
}

func decodeRedisMessage(channel, payload string) *Message {
	var env redisEnvelope
	if err := sonic.UnmarshalString(payload, &env); err != nil || env.ID == "" {
		env = redisEnvelope{ID: uuid.NewString(), Data: []byte(payload)}
	}
	nack := func() {
		logs.Warnf("redis: nack has no redelivery, channel: %s, id: %s", channel, env.ID)
	}
	return NewMessage(env.ID, env.Data, env.Attributes, 1, nil, nack)
}

func (r *Redis) DeleteSubscription(context.Context, Subscription) error {
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error) {
	env := redisEnvelope{ID: uuid.NewString(), Attributes: attributes, Data: data}
	payload, err := sonic.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "marshal redis envelope")
	}
	channel := redisChannel(topic, SymbolFilter(attributes[SymbolAttribute]))
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return "", errors.Wrap(err, "publish redis").With("channel", channel)
	}
	return env.ID, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
