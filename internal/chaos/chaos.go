// Package chaos injects delivery faults into a transport client: dropped
// deliveries that the server must redeliver, duplicates and delays.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"livetrader/internal/transport"
	"livetrader/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Config controls chaos injection behavior.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	MaxDelay      time.Duration
}

// Enabled reports whether any fault is configured.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.DuplicateRate > 0 || c.MaxDelay > 0
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate >= 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "drop rate must be in [0, 1)").With("dropRate", c.DropRate)
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "duplicate rate must be in [0, 1]").With("duplicateRate", c.DuplicateRate)
	}
	if c.MaxDelay < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "max delay must be >= 0").With("maxDelay", c.MaxDelay)
	}
	return nil
}

// engine draws fault decisions. Handlers of different subscriptions run
// concurrently, so the generator is locked.
type engine struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func newEngine(cfg Config) *engine {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return &engine{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (e *engine) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < rate
}

func (e *engine) delay() time.Duration {
	if e.cfg.MaxDelay <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.rng.Int63n(e.cfg.MaxDelay.Nanoseconds() + 1))
}

// Client wraps a transport client and disturbs its deliveries.
type Client struct {
	transport.Client
	engine *engine
}

// Wrap decorates client with cfg's faults.
func Wrap(client transport.Client, cfg Config) (*Client, error) {
	if client == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "chaos client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{Client: client, engine: newEngine(cfg)}, nil
}

// Factory wraps every client produced by next. A disabled config returns
// next unchanged.
func Factory(next transport.Factory, cfg Config) (transport.Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return next, nil
	}
	logs.Warnf("chaos: delivery faults enabled, drop: %g, duplicate: %g, max delay: %s", cfg.DropRate, cfg.DuplicateRate, cfg.MaxDelay)
	eng := newEngine(cfg)
	return func(ctx context.Context) (transport.Client, error) {
		c, err := next(ctx)
		if err != nil {
			return nil, err
		}
		return &Client{Client: c, engine: eng}, nil
	}, nil
}

func (c *Client) Subscribe(ctx context.Context, sub transport.Subscription, handler transport.Handler) (*transport.Handle, error) {
	return c.Client.Subscribe(ctx, sub, c.disturb(handler))
}

func (c *Client) disturb(handler transport.Handler) transport.Handler {
	return func(ctx context.Context, msg *transport.Message) {
		if c.engine.roll(c.engine.cfg.DropRate) {
			msg.Nack()
			return
		}
		if d := c.engine.delay(); d > 0 {
			select {
			case <-ctx.Done():
				msg.Nack()
				return
			case <-time.After(d):
			}
		}
		handler(ctx, msg)
		if c.engine.roll(c.engine.cfg.DuplicateRate) {
			dup := transport.NewMessage(msg.ID, msg.Data, msg.Attributes, msg.DeliveryAttempt+1, nil, nil)
			handler(ctx, dup)
		}
	}
}
