// Package supervisor owns the process lifecycle: it starts one feed per
// symbol, runs the loop until shutdown, and tears everything down in order.
package supervisor

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"livetrader/internal/core"
	"livetrader/internal/ingest"
	"livetrader/internal/obs"
	"livetrader/internal/schema"
	"livetrader/internal/transport"
	"livetrader/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultHeartbeatInterval = 5 * time.Minute
	defaultShutdownTimeout   = 2 * time.Minute
)

// Account is the part of the order gateway the supervisor uses.
type Account interface {
	RefreshAccount(ctx context.Context) (schema.AccountSnapshot, error)
	Account() (schema.AccountSnapshot, bool)
}

// Config controls the supervisor.
type Config struct {
	Symbols []schema.Symbol
	// Transport creates a fresh client for every feed.
	Transport transport.Factory
	// Topic picks the topic a symbol is published on.
	Topic func(schema.Symbol) string
	// Ingest is the template for every ingestor; Topic is set per symbol.
	Ingest            ingest.Config
	HeartbeatInterval time.Duration
	// ShutdownTimeout bounds the final reconciliation and feed teardown.
	ShutdownTimeout time.Duration
	Metrics         *obs.Metrics
}

// Supervisor composes feeds, the loop and the heartbeat.
type Supervisor struct {
	cfg       Config
	loop      *core.Loop
	account   Account
	heartbeat *obs.Heartbeat

	running atomic.Bool

	mu    sync.Mutex
	feeds []*ingest.Ingestor
}

// New creates a supervisor. heartbeat may be nil.
func New(cfg Config, loop *core.Loop, account Account, heartbeat *obs.Heartbeat) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Topic == nil {
		cfg.Topic = func(schema.Symbol) string { return cfg.Ingest.Topic }
	}
	return &Supervisor{cfg: cfg, loop: loop, account: account, heartbeat: heartbeat}
}

// Running reports whether Run is between startup and teardown.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

// Feeds returns the symbols with a running ingestor.
func (s *Supervisor) Feeds() []schema.Symbol {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Symbol, 0, len(s.feeds))
	for _, in := range s.feeds {
		out = append(out, in.Symbol())
	}
	return out
}

// Run starts the feeds and runs cycles until ctx is cancelled. It returns
// exception.ErrNoFeeds when no symbol could be started; any other failure
// after startup is logged and does not change the result.
func (s *Supervisor) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	if err := s.startFeeds(ctx); err != nil {
		return err
	}

	if _, err := s.account.RefreshAccount(ctx); err != nil {
		logs.Warnf("supervisor: initial account refresh failed, err: %+v", err)
	}

	beatCtx, stopBeat := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	if s.heartbeat != nil {
		s.beat()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.heartbeat.Run(beatCtx, s.cfg.HeartbeatInterval, s.onBeat)
		}()
	}

	logs.Infof("supervisor: running, feeds: %d", len(s.Feeds()))
	s.loop.Run(ctx)

	logs.Info("supervisor: shutting down")
	s.shutdown(ctx)

	stopBeat()
	wg.Wait()
	if s.heartbeat != nil {
		s.beat()
	}
	logs.Info("supervisor: stopped")
	return nil
}

func (s *Supervisor) startFeeds(ctx context.Context) error {
	for _, symbol := range s.cfg.Symbols {
		in, err := s.startFeed(ctx, symbol)
		if err != nil {
			logs.Errorf("supervisor: start feed failed, symbol: %s, err: %+v", symbol, err)
			continue
		}
		s.mu.Lock()
		s.feeds = append(s.feeds, in)
		s.mu.Unlock()
		s.loop.AddSource(in)
	}

	n := len(s.Feeds())
	s.cfg.Metrics.SetActiveFeeds(n)
	if n == 0 {
		logs.Errorf("supervisor: no feed started, symbols: %d", len(s.cfg.Symbols))
		return exception.ErrNoFeeds
	}
	if n < len(s.cfg.Symbols) {
		logs.Warnf("supervisor: started %d of %d feeds", n, len(s.cfg.Symbols))
	}
	return nil
}

func (s *Supervisor) startFeed(ctx context.Context, symbol schema.Symbol) (*ingest.Ingestor, error) {
	if s.cfg.Transport == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "transport factory")
	}
	client, err := s.cfg.Transport(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create transport client")
	}
	cfg := s.cfg.Ingest
	cfg.Topic = s.cfg.Topic(symbol)
	cfg.Metrics = s.cfg.Metrics
	return ingest.Start(ctx, client, symbol, cfg)
}

// shutdown runs one last reconciliation and then stops every feed, in that
// order, on a context that outlives ctx.
func (s *Supervisor) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	report, err := s.loop.Reconcile(sctx)
	if err != nil {
		logs.Errorf("supervisor: final account refresh failed, err: %+v", err)
	}
	logs.Infof("supervisor: final reconcile, checked: %d, resolved: %d, stuck: %d", report.Checked, report.Resolved, len(report.Stuck))

	s.mu.Lock()
	feeds := s.feeds
	s.feeds = nil
	s.mu.Unlock()

	var errs []error
	for _, in := range feeds {
		s.loop.RemoveSource(in.Symbol())
		if err := in.Stop(sctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.cfg.Metrics.SetActiveFeeds(0)
	if len(errs) != 0 {
		logs.Errorf("supervisor: stop feeds, err: %+v", stderrors.Join(errs...))
	}
}

func (s *Supervisor) beat() {
	t, err := s.heartbeat.Beat()
	if err != nil {
		logs.Errorf("supervisor: heartbeat failed, err: %+v", err)
		return
	}
	s.onBeat(t)
}

func (s *Supervisor) onBeat(t time.Time) {
	s.cfg.Metrics.SetHeartbeat(t)
	account, ok := s.account.Account()
	if !ok {
		logs.Infof("supervisor: heartbeat, at: %s, portfolio: unknown", t.Format(time.RFC3339))
		return
	}
	s.cfg.Metrics.SetAccount(account)
	logs.Infof("supervisor: heartbeat, at: %s, portfolio: %.2f, cash: %.2f", t.Format(time.RFC3339), account.Equity, account.Cash)
}
