package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livetrader/internal/bar"
	"livetrader/internal/broker"
	"livetrader/internal/bus"
	"livetrader/internal/chaos"
	"livetrader/internal/core"
	"livetrader/internal/ingest"
	"livetrader/internal/journal"
	"livetrader/internal/obs"
	"livetrader/internal/og"
	"livetrader/internal/ops"
	"livetrader/internal/risk"
	"livetrader/internal/schema"
	"livetrader/internal/strategy"
	"livetrader/internal/supervisor"
	"livetrader/internal/transport"
	"livetrader/pkg/conn"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON config (optional)")
	symbolsPath := flag.String("symbols", "", "Symbols file, one per line (overrides SYMBOLS_FILE)")
	flag.Parse()

	cfg, err := ops.Load(ops.Source{ConfigPath: *configPath, SymbolsFile: *symbolsPath})
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PyroscopeServer != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "livetrader",
			ServerAddress:   cfg.PyroscopeServer,
			Tags:            map[string]string{"broker": cfg.Broker, "transport": cfg.Transport},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return errors.Wrap(err, "start pyroscope")
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	symbols := cfg.SymbolList()
	metrics := obs.NewMetrics()
	heartbeat := obs.NewHeartbeat(cfg.HeartbeatPath)

	factory, err := newTransport(cfg)
	if err != nil {
		return err
	}
	factory, err = chaos.Factory(factory, chaos.Config{
		Seed:          cfg.Chaos.Seed,
		DropRate:      cfg.Chaos.DropRate,
		DuplicateRate: cfg.Chaos.DuplicateRate,
		MaxDelay:      cfg.Chaos.MaxDelay.Std(),
	})
	if err != nil {
		return err
	}
	client, err := newBroker(cfg, symbols)
	if err != nil {
		return err
	}

	bg := newBackground(ctx)
	defer bg.Stop()

	gatewayCfg := og.GatewayConfig{
		CallTimeout:       cfg.CallTimeout.Std(),
		StuckAfterChecks:  cfg.StuckAfterChecks,
		RequestsPerSecond: cfg.BrokerRPS,
		Metrics:           metrics,
		OnStuck: func(rec schema.OrderRecord) {
			logs.Errorf("trader: order needs operator attention, ref: %s, symbol: %s, side: %s, size: %g, reason: %s",
				rec.LocalRef, rec.Symbol, rec.Side, rec.Size, rec.Reason)
		},
	}

	if cfg.JournalDSN != "" {
		pg, err := conn.New(ctx, conn.Option{ConnString: cfg.JournalDSN})
		if err != nil {
			return errors.Wrap(err, "connect journal")
		}
		bg.closeAfter("journal db", pg.Close)

		j, err := journal.New(pg.DB(), journal.Config{})
		if err != nil {
			return err
		}
		if err := j.Migrate(ctx); err != nil {
			return err
		}
		gatewayCfg.Recorder = j
		bg.Go(j.Run)
	}

	if cfg.MetricsAddr != "" {
		srv := obs.NewServer(cfg.MetricsAddr, metrics, heartbeat, 3*cfg.HeartbeatInterval.Std())
		bg.Go(func(ctx context.Context) {
			if err := srv.Run(ctx); err != nil {
				logs.Errorf("trader: metrics server, err: %+v", err)
			}
		})
	}

	gateway := og.NewGateway(client, gatewayCfg)
	guard := risk.NewGuard(risk.Config{
		KillSwitch:       cfg.Risk.KillSwitch,
		MaxOrderQty:      cfg.Risk.MaxOrderQty,
		MaxOrderNotional: cfg.Risk.MaxOrderNotional,
		OrderRateLimit:   cfg.Risk.OrderRateLimit,
		OrderRateWindow:  cfg.Risk.OrderRateWindow.Std(),
	})
	loop := core.New(core.Config{
		Interval: cfg.PollInterval.Std(),
		Metrics:  metrics,
		OnBar:    markPrices(client),
	}, bar.NewAssembler(0), newDecider(cfg), gateway, guard)

	overflow, err := bus.ParseOverflowPolicy(cfg.QueueOverflow)
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisor.Config{
		Symbols:   symbols,
		Transport: factory,
		Topic:     cfg.Topic,
		Ingest: ingest.Config{
			QueueCapacity:       cfg.QueueCapacity,
			Overflow:            overflow,
			MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		},
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		Metrics:           metrics,
	}, loop, gateway, heartbeat)

	logs.Infof("trader: starting, symbols: %d, transport: %s, broker: %s, strategy: %s, interval: %s",
		len(symbols), cfg.Transport, cfg.Broker, cfg.Strategy, cfg.PollInterval.Std())
	started := time.Now()
	if err := sup.Run(ctx); err != nil {
		return err
	}
	logs.Infof("trader: shutdown complete, uptime: %s", time.Since(started).Round(time.Second))
	return nil
}

func newTransport(cfg ops.Config) (transport.Factory, error) {
	switch cfg.Transport {
	case ops.TransportPubSub:
		return transport.PubSubFactory(transport.PubSubOption{ProjectID: cfg.ProjectID}), nil
	case ops.TransportRedis:
		return transport.RedisFactory(transport.RedisOption{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}), nil
	case ops.TransportMemory:
		return transport.NewMemoryBroker(cfg.MarketTopic, cfg.CryptoTopic).Factory(), nil
	default:
		return nil, errors.Errorf("unknown transport: %s", cfg.Transport)
	}
}

func newBroker(cfg ops.Config, symbols []schema.Symbol) (broker.Client, error) {
	switch cfg.Broker {
	case ops.BrokerAlpaca:
		return broker.NewAlpaca(broker.AlpacaOption{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			AccountID: cfg.Alpaca.AccountID,
			BaseURL:   cfg.Alpaca.BaseURL,
			Timeout:   cfg.CallTimeout.Std(),
			Symbols:   symbols,
		}), nil
	case ops.BrokerPaper:
		return broker.NewPaper(cfg.PaperCash), nil
	default:
		return nil, errors.Errorf("unknown broker: %s", cfg.Broker)
	}
}

func newDecider(cfg ops.Config) strategy.Decider {
	if cfg.Strategy == ops.StrategyMomentum {
		return strategy.Momentum{Size: cfg.OrderSize}
	}
	return strategy.NewCrossover(cfg.FastPeriod, cfg.SlowPeriod, cfg.CashFraction)
}

// markPrices feeds each newly assembled close to the paper broker, which
// fills at the latest mark it has seen. Other brokers need no marks.
func markPrices(client broker.Client) func(schema.Bar) {
	paper, ok := client.(*broker.Paper)
	if !ok {
		return nil
	}
	return func(b schema.Bar) {
		paper.SetMark(b.Symbol, b.Close)
	}
}
