package core

import (
	"context"
	"slices"
	"sync"
	"time"

	"livetrader/internal/bar"
	"livetrader/internal/obs"
	"livetrader/internal/og"
	"livetrader/internal/risk"
	"livetrader/internal/schema"
	"livetrader/internal/strategy"
	"livetrader/pkg/retry"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultInterval      = time.Hour
	defaultMaxBackoff    = 5
	defaultReconcileWait = 2 * time.Minute
)

// Source is a per-symbol buffer the loop drains.
type Source interface {
	Symbol() schema.Symbol
	Drain() ([]schema.Record, error)
}

// Gateway is the order gateway as seen by the loop.
type Gateway interface {
	Submit(ctx context.Context, intent schema.OrderIntent) (schema.OrderRecord, error)
	RefreshAccount(ctx context.Context) (schema.AccountSnapshot, error)
	ReconcileOutstanding(ctx context.Context) og.Report
	Account() (schema.AccountSnapshot, bool)
	AccountTrusted() bool
	InFlight(symbol schema.Symbol) []schema.OrderRecord
}

// Config controls the loop.
type Config struct {
	// Interval is the poll interval between cycle starts.
	Interval time.Duration
	// MaxBackoff caps the idle wait after failed refreshes, as a multiple of
	// Interval.
	MaxBackoff int
	// ReconcileTimeout bounds a whole RECONCILE phase.
	ReconcileTimeout time.Duration
	Metrics          *obs.Metrics
	// OnPhase is called when a phase starts.
	OnPhase func(cycle uint64, phase Phase)
	// OnBar is called with each symbol's newest bar after it is assembled,
	// before DECIDE.
	OnBar func(latest schema.Bar)
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Cycle      uint64
	Drained    map[schema.Symbol]int
	Bars       int
	Decided    int
	Dispatched []schema.OrderRecord
	Denied     map[schema.Symbol]risk.Reason
	Failures   map[schema.Symbol]error
	Skipped    []Phase
	RefreshErr error
	Reconcile  og.Report
	Duration   time.Duration
}

// Loop runs cycles. It is not safe for concurrent RunCycle calls.
type Loop struct {
	cfg       Config
	assembler *bar.Assembler
	decider   strategy.Decider
	gateway   Gateway
	guard     *risk.Guard

	mu      sync.Mutex
	sources []Source

	cycle           uint64
	refreshFailures int
}

// New creates a loop. guard may be nil.
func New(cfg Config, assembler *bar.Assembler, decider strategy.Decider, gateway Gateway, guard *risk.Guard) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = defaultReconcileWait
	}
	if guard == nil {
		guard = risk.NewGuard(risk.Config{})
	}
	return &Loop{cfg: cfg, assembler: assembler, decider: decider, gateway: gateway, guard: guard}
}

// AddSource registers a source.
func (l *Loop) AddSource(s Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, s)
}

// RemoveSource unregisters the source of symbol.
func (l *Loop) RemoveSource(symbol schema.Symbol) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = slices.DeleteFunc(l.sources, func(s Source) bool { return s.Symbol() == symbol })
}

func (l *Loop) snapshotSources() []Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.sources)
}

// Run executes cycles until ctx is done. Shutdown is only observed between
// phases; the cycle in progress always finishes RECONCILE.
func (l *Loop) Run(ctx context.Context) {
	stopping := func() bool { return ctx.Err() != nil }
	for !stopping() {
		started := time.Now()
		report := l.RunCycle(ctx, stopping)
		if stopping() {
			return
		}
		l.Idle(ctx, started, report.RefreshErr != nil)
	}
}

// RunCycle executes one cycle. Remote calls run on a context detached from
// ctx's cancellation, so a shutdown never aborts a call midway; stopping is
// polled between phases.
func (l *Loop) RunCycle(ctx context.Context, stopping func() bool) CycleReport {
	if stopping == nil {
		stopping = func() bool { return false }
	}
	l.cycle++
	started := time.Now()
	cctx := context.WithoutCancel(ctx)
	report := CycleReport{
		Cycle:    l.cycle,
		Drained:  make(map[schema.Symbol]int),
		Denied:   make(map[schema.Symbol]risk.Reason),
		Failures: make(map[schema.Symbol]error),
	}

	l.enter(PhaseDrain)
	drained := l.drain(&report)

	l.enter(PhaseAssemble)
	ready := l.assemble(drained, &report)

	var intents []schema.OrderIntent
	switch {
	case stopping():
		l.skip(&report, PhaseDecide, "shutdown")
		l.skip(&report, PhaseDispatch, "shutdown")
	case !l.gateway.AccountTrusted():
		logs.Warnf("core: account state not trusted, skip decide, cycle: %d", l.cycle)
		l.skip(&report, PhaseDecide, "untrusted_account")
		l.skip(&report, PhaseDispatch, "untrusted_account")
	default:
		l.enter(PhaseDecide)
		intents = l.decide(ready, &report)
		if stopping() {
			l.skip(&report, PhaseDispatch, "shutdown")
		} else {
			l.enter(PhaseDispatch)
			l.dispatch(cctx, intents, &report)
		}
	}

	l.enter(PhaseReconcile)
	report.Reconcile, report.RefreshErr = l.reconcile(cctx)

	report.Duration = time.Since(started)
	l.cfg.Metrics.ObserveCycle(report.Duration)
	latency := l.cfg.Metrics.CycleLatency()
	logs.Infof("core: cycle done, cycle: %d, bars: %d, decided: %d, dispatched: %d, failures: %d, took: %s, avg: %s, max: %s",
		report.Cycle, report.Bars, report.Decided, len(report.Dispatched), len(report.Failures), report.Duration, latency.Avg, latency.Max)
	return report
}

// Reconcile runs a RECONCILE phase outside a cycle.
func (l *Loop) Reconcile(ctx context.Context) (og.Report, error) {
	return l.reconcile(context.WithoutCancel(ctx))
}

// Idle waits until the next cycle is due. After failed refreshes the wait
// grows up to MaxBackoff times the interval. It reports false when ctx ended
// the wait.
func (l *Loop) Idle(ctx context.Context, cycleStarted time.Time, refreshFailed bool) bool {
	l.enter(PhaseIdle)
	if refreshFailed {
		l.refreshFailures++
	} else {
		l.refreshFailures = 0
	}
	wait := l.NextWait(time.Since(cycleStarted))
	return retry.Sleep(ctx, wait)
}

// NextWait returns the idle duration given how long the cycle ran.
func (l *Loop) NextWait(elapsed time.Duration) time.Duration {
	if l.refreshFailures > 0 {
		b := retry.Backoff{Min: l.cfg.Interval, Max: l.cfg.Interval * time.Duration(l.cfg.MaxBackoff), Factor: 2}
		return b.Next(l.refreshFailures + 1)
	}
	if wait := l.cfg.Interval - elapsed; wait > 0 {
		return wait
	}
	return 0
}

func (l *Loop) drain(report *CycleReport) map[schema.Symbol][]schema.Record {
	out := make(map[schema.Symbol][]schema.Record)
	for _, src := range l.snapshotSources() {
		symbol := src.Symbol()
		var records []schema.Record
		err := isolate(func() error {
			var err error
			records, err = src.Drain()
			return err
		})
		if err != nil {
			l.fail(report, symbol, PhaseDrain, err)
			continue
		}
		report.Drained[symbol] = len(records)
		out[symbol] = records
	}
	return out
}

// assemble returns the symbols that received at least one new bar.
func (l *Loop) assemble(drained map[schema.Symbol][]schema.Record, report *CycleReport) []schema.Symbol {
	ready := make([]schema.Symbol, 0, len(drained))
	for symbol, records := range drained {
		var bars []schema.Bar
		err := isolate(func() error {
			bars = l.assembler.Assemble(symbol, records)
			return nil
		})
		if err != nil {
			l.fail(report, symbol, PhaseAssemble, err)
			continue
		}
		report.Bars += len(bars)
		if len(bars) != 0 && l.cfg.OnBar != nil {
			l.cfg.OnBar(bars[len(bars)-1])
		}
		if len(bars) != 0 && l.assembler.HasFirstBar(symbol) {
			ready = append(ready, symbol)
		}
	}
	slices.Sort(ready)
	return ready
}

func (l *Loop) decide(ready []schema.Symbol, report *CycleReport) []schema.OrderIntent {
	account, _ := l.gateway.Account()
	intents := make([]schema.OrderIntent, 0, len(ready))
	for _, symbol := range ready {
		latest, ok := l.assembler.Latest(symbol)
		if !ok {
			continue
		}
		in := strategy.Input{
			Symbol:  symbol,
			Bar:     latest,
			History: l.assembler.History(symbol),
			Account: account,
		}
		var (
			intent schema.OrderIntent
			wants  bool
		)
		err := isolate(func() error {
			intent, wants = l.decider.Decide(in)
			return nil
		})
		report.Decided++
		if err != nil {
			l.fail(report, symbol, PhaseDecide, err)
			continue
		}
		if !wants {
			continue
		}
		intent.Symbol = symbol
		l.cfg.Metrics.IncDecision(symbol, intent.Side)
		intents = append(intents, intent)
	}
	return intents
}

func (l *Loop) dispatch(ctx context.Context, intents []schema.OrderIntent, report *CycleReport) {
	for _, intent := range intents {
		symbol := intent.Symbol
		var lastPrice float64
		if latest, ok := l.assembler.Latest(symbol); ok {
			lastPrice = latest.Close
		}
		decision := l.guard.Evaluate(intent, risk.StateView{
			InFlight:  l.gateway.InFlight(symbol),
			LastPrice: lastPrice,
			Now:       time.Now(),
		})
		if !decision.Allow {
			logs.Warnf("core: intent denied, symbol: %s, side: %s, size: %g, reason: %s", symbol, intent.Side, intent.Size, decision.Reason)
			l.cfg.Metrics.IncDenied(decision.Reason.String())
			report.Denied[symbol] = decision.Reason
			continue
		}

		var rec schema.OrderRecord
		err := isolate(func() error {
			var err error
			rec, err = l.gateway.Submit(ctx, intent)
			return err
		})
		if rec.LocalRef != "" {
			report.Dispatched = append(report.Dispatched, rec)
		}
		if err != nil {
			l.fail(report, symbol, PhaseDispatch, err)
		}
	}
}

func (l *Loop) reconcile(ctx context.Context) (og.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReconcileTimeout)
	defer cancel()

	_, refreshErr := l.gateway.RefreshAccount(ctx)
	if refreshErr != nil {
		logs.Errorf("core: refresh account, err: %+v", refreshErr)
	}
	report := l.gateway.ReconcileOutstanding(ctx)
	if len(report.Stuck) != 0 {
		logs.Errorf("core: %d order(s) need operator attention", len(report.Stuck))
	}
	return report, refreshErr
}

func (l *Loop) enter(phase Phase) {
	if l.cfg.OnPhase != nil {
		l.cfg.OnPhase(l.cycle, phase)
	}
}

func (l *Loop) skip(report *CycleReport, phase Phase, reason string) {
	report.Skipped = append(report.Skipped, phase)
	l.cfg.Metrics.IncPhaseSkipped(phase.String(), reason)
}

func (l *Loop) fail(report *CycleReport, symbol schema.Symbol, phase Phase, err error) {
	logs.Errorf("core: %s failed, symbol: %s, err: %+v", phase, symbol, err)
	report.Failures[symbol] = err
	l.cfg.Metrics.IncSymbolFailure(symbol, phase.String())
}

// isolate runs fn and converts a panic into an error.
func isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
