package core

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"livetrader/internal/bar"
	"livetrader/internal/broker"
	"livetrader/internal/og"
	"livetrader/internal/risk"
	"livetrader/internal/schema"
	"livetrader/internal/strategy"
	"livetrader/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

type fakeSource struct {
	symbol  schema.Symbol
	batches [][]schema.Record
	err     error
	panics  bool
}

func (s *fakeSource) Symbol() schema.Symbol { return s.symbol }

func (s *fakeSource) Drain() ([]schema.Record, error) {
	if s.panics {
		panic("drain exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakeSource) push(records ...schema.Record) {
	s.batches = append(s.batches, records)
}

func record(symbol schema.Symbol, minute int, close float64) schema.Record {
	return schema.Record{
		MessageID: fmt.Sprintf("%s-%d", symbol, minute),
		Symbol:    symbol,
		Fields: map[string]any{
			"timestamp": base.Add(time.Duration(minute) * time.Minute).Format(time.RFC3339),
			"close":     close,
		},
	}
}

type countingDecider struct {
	inner strategy.Decider
	calls map[schema.Symbol]int
}

func (d *countingDecider) Decide(in strategy.Input) (schema.OrderIntent, bool) {
	if d.calls == nil {
		d.calls = make(map[schema.Symbol]int)
	}
	d.calls[in.Symbol]++
	if d.inner == nil {
		return schema.OrderIntent{}, false
	}
	return d.inner.Decide(in)
}

type harness struct {
	paper   *broker.Paper
	gateway *og.Gateway
	decider *countingDecider
	loop    *Loop
	phases  []Phase
}

func newHarness(t *testing.T, inner strategy.Decider, guard *risk.Guard) *harness {
	t.Helper()
	h := &harness{paper: broker.NewPaper(100_000), decider: &countingDecider{inner: inner}}
	h.gateway = og.NewGateway(h.paper, og.GatewayConfig{
		CallTimeout:       time.Second,
		RequestsPerSecond: math.Inf(1),
		ReadRetry:         retry.Config{Attempts: 1},
	})
	h.loop = New(Config{
		Interval: time.Minute,
		OnPhase:  func(_ uint64, p Phase) { h.phases = append(h.phases, p) },
	}, bar.NewAssembler(0), h.decider, h.gateway, guard)
	_, err := h.gateway.RefreshAccount(t.Context())
	require.NoError(t, err)
	return h
}

func TestMomentumScenario(t *testing.T) {
	h := newHarness(t, strategy.Momentum{Size: 1}, nil)
	src := &fakeSource{symbol: "AAPL"}
	h.loop.AddSource(src)

	closes := []float64{100, 102, 99}
	var dispatched [][]schema.OrderRecord
	for i, c := range closes {
		h.paper.SetMark("AAPL", c)
		src.push(record("AAPL", i, c))
		report := h.loop.RunCycle(t.Context(), nil)
		require.Empty(t, report.Failures)
		dispatched = append(dispatched, report.Dispatched)
	}

	assert.Empty(t, dispatched[0])
	require.Len(t, dispatched[1], 1)
	assert.Equal(t, schema.SideBuy, dispatched[1][0].Side)
	require.Len(t, dispatched[2], 1)
	assert.Equal(t, schema.SideSell, dispatched[2][0].Side)

	account, ok := h.gateway.Account()
	require.True(t, ok)
	assert.False(t, account.Holds("AAPL"))
	assert.Equal(t, 100_000.0-102+99, account.Cash)
}

func TestDecideAtMostOncePerSymbolPerCycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	aapl := &fakeSource{symbol: "AAPL"}
	msft := &fakeSource{symbol: "MSFT"}
	h.loop.AddSource(aapl)
	h.loop.AddSource(msft)

	aapl.push(record("AAPL", 0, 1), record("AAPL", 1, 2), record("AAPL", 2, 3))
	msft.push(schema.Record{MessageID: "bad", Symbol: "MSFT", Fields: map[string]any{"close": 1.0}})
	report := h.loop.RunCycle(t.Context(), nil)

	assert.Equal(t, 3, report.Bars)
	assert.Equal(t, 1, h.decider.calls["AAPL"])
	assert.Zero(t, h.decider.calls["MSFT"])

	h.loop.RunCycle(t.Context(), nil)
	assert.Equal(t, 1, h.decider.calls["AAPL"])
}

func TestOnBarSeesNewestBarBeforeDecide(t *testing.T) {
	paper := broker.NewPaper(1_000)
	gateway := og.NewGateway(paper, og.GatewayConfig{RequestsPerSecond: math.Inf(1), ReadRetry: retry.Config{Attempts: 1}})
	var events []string
	decider := strategy.DeciderFunc(func(in strategy.Input) (schema.OrderIntent, bool) {
		events = append(events, fmt.Sprintf("decide %s %g", in.Symbol, in.Bar.Close))
		return strategy.Momentum{Size: 1}.Decide(in)
	})
	loop := New(Config{
		Interval: time.Minute,
		OnBar: func(b schema.Bar) {
			events = append(events, fmt.Sprintf("bar %s %g", b.Symbol, b.Close))
			paper.SetMark(b.Symbol, b.Close)
		},
	}, bar.NewAssembler(0), decider, gateway, nil)
	_, err := gateway.RefreshAccount(t.Context())
	require.NoError(t, err)

	src := &fakeSource{symbol: "AAPL"}
	loop.AddSource(src)
	src.push(record("AAPL", 0, 100), record("AAPL", 1, 102))
	report := loop.RunCycle(t.Context(), nil)

	assert.Equal(t, []string{"bar AAPL 102", "decide AAPL 102"}, events)
	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, schema.OrderStatusFilled, report.Dispatched[0].Status)

	account, ok := gateway.Account()
	require.True(t, ok)
	assert.Equal(t, 1_000.0-102, account.Cash)

	src.push()
	loop.RunCycle(t.Context(), nil)
	assert.Len(t, events, 2)
}

func TestShutdownBeforeDecideStillReconciles(t *testing.T) {
	h := newHarness(t, strategy.Momentum{}, nil)
	src := &fakeSource{symbol: "AAPL"}
	h.loop.AddSource(src)
	src.push(record("AAPL", 0, 1))

	report := h.loop.RunCycle(t.Context(), func() bool { return true })
	assert.Equal(t, []Phase{PhaseDecide, PhaseDispatch}, report.Skipped)
	assert.Equal(t, []Phase{PhaseDrain, PhaseAssemble, PhaseReconcile}, h.phases)
	assert.Zero(t, h.decider.calls["AAPL"])
}

func TestShutdownAfterDecideSkipsDispatch(t *testing.T) {
	h := newHarness(t, strategy.Momentum{}, nil)
	src := &fakeSource{symbol: "AAPL"}
	h.loop.AddSource(src)
	src.push(record("AAPL", 0, 1), record("AAPL", 1, 2))

	calls := 0
	report := h.loop.RunCycle(t.Context(), func() bool {
		calls++
		return calls > 1
	})
	assert.Equal(t, []Phase{PhaseDispatch}, report.Skipped)
	assert.Equal(t, []Phase{PhaseDrain, PhaseAssemble, PhaseDecide, PhaseReconcile}, h.phases)
	assert.Empty(t, report.Dispatched)
	assert.Zero(t, h.paper.Submits())
}

func TestUntrustedAccountSkipsDecide(t *testing.T) {
	paper := broker.NewPaper(1_000)
	gateway := og.NewGateway(paper, og.GatewayConfig{RequestsPerSecond: math.Inf(1), ReadRetry: retry.Config{Attempts: 1}})
	decider := &countingDecider{}
	loop := New(Config{Interval: time.Minute}, bar.NewAssembler(0), decider, gateway, nil)
	src := &fakeSource{symbol: "AAPL"}
	loop.AddSource(src)

	src.push(record("AAPL", 0, 1))
	report := loop.RunCycle(t.Context(), nil)
	assert.Equal(t, []Phase{PhaseDecide, PhaseDispatch}, report.Skipped)
	assert.Zero(t, decider.calls["AAPL"])

	src.push(record("AAPL", 1, 2))
	report = loop.RunCycle(t.Context(), nil)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, decider.calls["AAPL"])
}

func TestSymbolFailuresAreIsolated(t *testing.T) {
	panicky := strategy.DeciderFunc(func(in strategy.Input) (schema.OrderIntent, bool) {
		if in.Symbol == "TSLA" {
			panic("bad math")
		}
		return schema.OrderIntent{Side: schema.SideBuy, Size: 1}, true
	})
	h := newHarness(t, panicky, nil)
	h.paper.SetMark("AAPL", 10)

	boom := errors.New("drain failed")
	h.loop.AddSource(&fakeSource{symbol: "MSFT", err: boom})
	h.loop.AddSource(&fakeSource{symbol: "NVDA", panics: true})
	tsla := &fakeSource{symbol: "TSLA"}
	tsla.push(record("TSLA", 0, 5))
	h.loop.AddSource(tsla)
	aapl := &fakeSource{symbol: "AAPL"}
	aapl.push(record("AAPL", 0, 10))
	h.loop.AddSource(aapl)

	report := h.loop.RunCycle(t.Context(), nil)
	require.ErrorIs(t, report.Failures["MSFT"], boom)
	require.Error(t, report.Failures["NVDA"])
	require.Error(t, report.Failures["TSLA"])
	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, schema.Symbol("AAPL"), report.Dispatched[0].Symbol)
	assert.Equal(t, schema.OrderStatusFilled, report.Dispatched[0].Status)
}

func TestGuardDeniesIntent(t *testing.T) {
	h := newHarness(t, strategy.Momentum{Size: 10}, risk.NewGuard(risk.Config{MaxOrderQty: 5}))
	src := &fakeSource{symbol: "AAPL"}
	h.loop.AddSource(src)
	src.push(record("AAPL", 0, 1), record("AAPL", 1, 2))

	report := h.loop.RunCycle(t.Context(), nil)
	assert.Equal(t, risk.ReasonMaxQty, report.Denied["AAPL"])
	assert.Empty(t, report.Dispatched)
	assert.Zero(t, h.paper.Submits())
}

func TestRemoveSource(t *testing.T) {
	h := newHarness(t, nil, nil)
	src := &fakeSource{symbol: "AAPL"}
	h.loop.AddSource(src)
	h.loop.RemoveSource("AAPL")
	src.push(record("AAPL", 0, 1))
	report := h.loop.RunCycle(t.Context(), nil)
	assert.Empty(t, report.Drained)
}

func TestNextWaitBacksOffAfterRefreshFailures(t *testing.T) {
	l := New(Config{Interval: time.Minute}, bar.NewAssembler(0), nil, nil, nil)
	assert.Equal(t, 50*time.Second, l.NextWait(10*time.Second))
	assert.Zero(t, l.NextWait(2*time.Minute))

	l.refreshFailures = 1
	assert.Equal(t, 2*time.Minute, l.NextWait(0))
	l.refreshFailures = 2
	assert.Equal(t, 4*time.Minute, l.NextWait(0))
	l.refreshFailures = 10
	assert.Equal(t, 5*time.Minute, l.NextWait(0))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "reconcile", PhaseReconcile.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
