package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"livetrader/internal/bar"
	"livetrader/internal/broker"
	"livetrader/internal/core"
	"livetrader/internal/obs"
	"livetrader/internal/og"
	"livetrader/internal/ops"
	"livetrader/internal/risk"
	"livetrader/internal/schema"
	"livetrader/internal/strategy"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func main() {
	file := flag.String("file", "-", "JSON lines of bars, - for stdin")
	strategyName := flag.String("strategy", ops.StrategyCrossover, "momentum or crossover")
	cash := flag.Float64("cash", 100_000, "Starting cash")
	batch := flag.Int("batch", 1, "Bars delivered per symbol per cycle")
	fast := flag.Int("fast", strategy.DefaultFastPeriod, "Crossover fast period")
	slow := flag.Int("slow", strategy.DefaultSlowPeriod, "Crossover slow period")
	fraction := flag.Float64("fraction", strategy.DefaultCashFraction, "Crossover cash fraction")
	size := flag.Float64("size", 1, "Momentum order size")
	flag.Parse()

	in := io.Reader(os.Stdin)
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			logs.Errorf("paper: open input, err: %+v", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	records, err := readRecords(in)
	if err != nil {
		logs.Errorf("paper: read input, err: %+v", err)
		os.Exit(1)
	}

	var decider strategy.Decider = strategy.NewCrossover(*fast, *slow, *fraction)
	if *strategyName == ops.StrategyMomentum {
		decider = strategy.Momentum{Size: *size}
	}

	result, err := simulate(context.Background(), records, decider, *cash, *batch)
	if err != nil {
		logs.Errorf("paper: %+v", err)
		os.Exit(1)
	}
	logs.Infof("paper: done, cycles: %d, orders: %d, filled: %d, cash: %.2f, equity: %.2f, return: %.2f%%, cycle avg: %s, cycle max: %s",
		result.Cycles, result.Orders, result.Filled, result.Account.Cash, result.Account.Equity,
		100*(result.Account.Equity-*cash)/(*cash), result.Latency.Avg, result.Latency.Max)
}

// Result summarizes a simulation.
type Result struct {
	Cycles  int
	Orders  int
	Filled  int
	Account schema.AccountSnapshot
	Latency obs.LatencySnapshot
}

// source replays a fixed list of records a batch at a time.
type source struct {
	symbol  schema.Symbol
	records []schema.Record
	batch   int
}

func (s *source) Symbol() schema.Symbol { return s.symbol }

func (s *source) Drain() ([]schema.Record, error) {
	n := min(s.batch, len(s.records))
	out := s.records[:n]
	s.records = s.records[n:]
	return out, nil
}

func (s *source) done() bool { return len(s.records) == 0 }

func simulate(ctx context.Context, records map[schema.Symbol][]schema.Record, decider strategy.Decider, cash float64, batch int) (Result, error) {
	if len(records) == 0 {
		return Result{}, errors.New("no records")
	}
	if batch <= 0 {
		batch = 1
	}

	paper := broker.NewPaper(cash)
	gateway := og.NewGateway(paper, og.GatewayConfig{RequestsPerSecond: math.Inf(1)})
	metrics := obs.NewMetrics()
	loop := core.New(core.Config{
		Metrics: metrics,
		OnBar:   func(b schema.Bar) { paper.SetMark(b.Symbol, b.Close) },
	}, bar.NewAssembler(0), decider, gateway, risk.NewGuard(risk.Config{}))
	if _, err := gateway.RefreshAccount(ctx); err != nil {
		return Result{}, errors.Wrap(err, "initial refresh")
	}

	symbols := make([]schema.Symbol, 0, len(records))
	for s := range records {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
	sources := make([]*source, 0, len(symbols))
	for _, s := range symbols {
		src := &source{symbol: s, records: records[s], batch: batch}
		sources = append(sources, src)
		loop.AddSource(src)
	}

	var result Result
	for {
		pending := false
		for _, src := range sources {
			if !src.done() {
				pending = true
			}
		}
		if !pending {
			break
		}
		report := loop.RunCycle(ctx, nil)
		result.Cycles++
		result.Orders += len(report.Dispatched)
	}

	for _, o := range gateway.Orders() {
		if o.Status == schema.OrderStatusFilled {
			result.Filled++
		}
	}
	result.Account, _ = gateway.Account()
	result.Latency = metrics.CycleLatency()
	return result, nil
}

// readRecords groups JSON lines by their symbol field, keeping file order.
func readRecords(in io.Reader) (map[schema.Symbol][]schema.Record, error) {
	out := make(map[schema.Symbol][]schema.Record)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var fields map[string]any
		if err := sonic.UnmarshalString(raw, &fields); err != nil {
			return nil, errors.Wrap(err, "decode line").With("line", line)
		}
		symbol, _ := fields["symbol"].(string)
		if symbol == "" {
			symbol, _ = fields["S"].(string)
		}
		if symbol == "" {
			return nil, errors.Errorf("line %d has no symbol", line)
		}
		s := schema.Symbol(symbol)
		out[s] = append(out[s], schema.Record{
			MessageID:  strconv.Itoa(line),
			Symbol:     s,
			Fields:     fields,
			ReceivedAt: time.Now(),
		})
	}
	return out, scanner.Err()
}
