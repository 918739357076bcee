package ops

import (
	"bufio"
	stderrors "errors"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"livetrader/internal/bus"
	"livetrader/internal/schema"
	"livetrader/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

const (
	TransportPubSub = "pubsub"
	TransportRedis  = "redis"
	TransportMemory = "memory"

	BrokerAlpaca = "alpaca"
	BrokerPaper  = "paper"

	StrategyMomentum  = "momentum"
	StrategyCrossover = "crossover"

	MinPollInterval     = time.Minute
	MaxPollInterval     = 24 * time.Hour
	DefaultPollInterval = time.Hour
)

// Config is the resolved process configuration.
type Config struct {
	Alpaca AlpacaConfig `json:"alpaca"`

	ProjectID   string   `json:"projectId"`
	Symbols     []string `json:"symbols"`
	SymbolsFile string   `json:"symbolsFile"`
	MarketTopic string   `json:"marketTopic"`
	CryptoTopic string   `json:"cryptoTopic"`

	Transport     string  `json:"transport"`
	RedisAddr     string  `json:"redisAddr"`
	RedisPassword string  `json:"redisPassword"`
	Broker        string  `json:"broker"`
	PaperCash     float64 `json:"paperCash"`

	PollInterval      Duration `json:"pollInterval"`
	HeartbeatPath     string   `json:"heartbeatPath"`
	HeartbeatInterval Duration `json:"heartbeatInterval"`

	QueueCapacity       int    `json:"queueCapacity"`
	QueueOverflow       string `json:"queueOverflow"`
	MaxDeliveryAttempts int    `json:"maxDeliveryAttempts"`

	CallTimeout      Duration `json:"callTimeout"`
	StuckAfterChecks int      `json:"stuckAfterChecks"`
	BrokerRPS        float64  `json:"brokerRps"`

	Strategy     string  `json:"strategy"`
	FastPeriod   int     `json:"fastPeriod"`
	SlowPeriod   int     `json:"slowPeriod"`
	CashFraction float64 `json:"cashFraction"`
	OrderSize    float64 `json:"orderSize"`

	Risk  RiskConfig  `json:"risk"`
	Chaos ChaosConfig `json:"chaos"`

	MetricsAddr     string `json:"metricsAddr"`
	JournalDSN      string `json:"journalDsn"`
	PyroscopeServer string `json:"pyroscopeServer"`
}

// AlpacaConfig holds brokerage credentials.
type AlpacaConfig struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	AccountID string `json:"accountId"`
	BaseURL   string `json:"baseUrl"`
}

// RiskConfig mirrors the pre-trade guard settings.
type RiskConfig struct {
	KillSwitch       bool     `json:"killSwitch"`
	MaxOrderQty      float64  `json:"maxOrderQty"`
	MaxOrderNotional float64  `json:"maxOrderNotional"`
	OrderRateLimit   int      `json:"orderRateLimit"`
	OrderRateWindow  Duration `json:"orderRateWindow"`
}

// ChaosConfig injects delivery faults into the transport, for soak testing.
type ChaosConfig struct {
	Seed          int64    `json:"seed"`
	DropRate      float64  `json:"dropRate"`
	DuplicateRate float64  `json:"duplicateRate"`
	MaxDelay      Duration `json:"maxDelay"`
}

// Duration reads either a Go duration string or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	v, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		SymbolsFile:         "symbols.txt",
		MarketTopic:         "market-data",
		CryptoTopic:         "crypto-data",
		Transport:           TransportPubSub,
		RedisAddr:           "localhost:6379",
		Broker:              BrokerAlpaca,
		PaperCash:           100_000,
		PollInterval:        Duration(DefaultPollInterval),
		HeartbeatPath:       "/var/lib/trading-agent/heartbeat",
		HeartbeatInterval:   Duration(5 * time.Minute),
		QueueCapacity:       1024,
		QueueOverflow:       "drop-oldest",
		MaxDeliveryAttempts: 5,
		CallTimeout:         Duration(10 * time.Second),
		StuckAfterChecks:    5,
		BrokerRPS:           3,
		Strategy:            StrategyCrossover,
		FastPeriod:          10,
		SlowPeriod:          30,
		CashFraction:        0.15,
		OrderSize:           1,
		Risk: RiskConfig{
			OrderRateWindow: Duration(time.Minute),
		},
	}
}

// Source tells Load where settings come from. Later layers win.
type Source struct {
	// ConfigPath is an optional JSON file.
	ConfigPath string
	// SymbolsFile, when set, overrides every other symbols setting.
	SymbolsFile string
	// Lookup reads environment variables; nil means os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Load resolves the configuration and validates it.
func Load(src Source) (Config, error) {
	cfg := Default()
	if src.ConfigPath != "" {
		data, err := os.ReadFile(src.ConfigPath)
		if err != nil {
			return Config{}, invalid(errors.Wrap(err, "read config").With("path", src.ConfigPath))
		}
		if err := sonic.Unmarshal(data, &cfg); err != nil {
			return Config{}, invalid(errors.Wrap(err, "decode config").With("path", src.ConfigPath))
		}
	}

	lookup := src.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(env{lookup: lookup}); err != nil {
		return Config{}, err
	}

	if src.SymbolsFile != "" {
		cfg.SymbolsFile = src.SymbolsFile
		cfg.Symbols = nil
	}
	if len(cfg.Symbols) == 0 && cfg.SymbolsFile != "" {
		symbols, err := ReadSymbolsFile(cfg.SymbolsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Symbols = symbols
	}
	cfg.Symbols = dedupe(cfg.Symbols)
	cfg.PollInterval = Duration(ClampPollInterval(cfg.PollInterval.Std()))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(e env) error {
	e.str("ALPACA_API_KEY", &c.Alpaca.APIKey)
	e.str("ALPACA_SECRET_KEY", &c.Alpaca.APISecret)
	e.str("ALPACA_ACCOUNT_ID", &c.Alpaca.AccountID)
	e.str("ALPACA_BASE_URL", &c.Alpaca.BaseURL)
	e.str("GOOGLE_CLOUD_PROJECT", &c.ProjectID)
	e.str("SYMBOLS_FILE", &c.SymbolsFile)
	e.str("MARKET_TOPIC", &c.MarketTopic)
	e.str("CRYPTO_TOPIC", &c.CryptoTopic)
	e.str("TRANSPORT", &c.Transport)
	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("REDIS_PASSWORD", &c.RedisPassword)
	e.str("BROKER", &c.Broker)
	e.float("PAPER_CASH", &c.PaperCash)
	e.str("HEARTBEAT_PATH", &c.HeartbeatPath)
	e.duration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	e.int("QUEUE_CAPACITY", &c.QueueCapacity)
	e.str("QUEUE_OVERFLOW", &c.QueueOverflow)
	e.int("MAX_DELIVERY_ATTEMPTS", &c.MaxDeliveryAttempts)
	e.duration("CALL_TIMEOUT", &c.CallTimeout)
	e.int("STUCK_AFTER_CHECKS", &c.StuckAfterChecks)
	e.float("BROKER_RPS", &c.BrokerRPS)
	e.str("STRATEGY", &c.Strategy)
	e.int("FAST_PERIOD", &c.FastPeriod)
	e.int("SLOW_PERIOD", &c.SlowPeriod)
	e.float("CASH_FRACTION", &c.CashFraction)
	e.float("ORDER_SIZE", &c.OrderSize)
	e.bool("KILL_SWITCH", &c.Risk.KillSwitch)
	e.float("MAX_ORDER_QTY", &c.Risk.MaxOrderQty)
	e.float("MAX_ORDER_NOTIONAL", &c.Risk.MaxOrderNotional)
	e.int("ORDER_RATE_LIMIT", &c.Risk.OrderRateLimit)
	e.duration("ORDER_RATE_WINDOW", &c.Risk.OrderRateWindow)
	e.str("METRICS_ADDR", &c.MetricsAddr)
	e.str("JOURNAL_DSN", &c.JournalDSN)
	e.str("PYROSCOPE_SERVER", &c.PyroscopeServer)
	e.int64("CHAOS_SEED", &c.Chaos.Seed)
	e.float("CHAOS_DROP_RATE", &c.Chaos.DropRate)
	e.float("CHAOS_DUP_RATE", &c.Chaos.DuplicateRate)
	e.duration("CHAOS_MAX_DELAY", &c.Chaos.MaxDelay)

	if v, ok := e.get("POLLING_INTERVAL"); ok {
		c.PollInterval = Duration(ParsePollInterval(v))
	}
	if len(e.errs) != 0 {
		return invalid(stderrors.Join(e.errs...))
	}
	return nil
}

// Validate checks the configuration can start a process.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, errors.Errorf(format, args...))
	}

	if len(c.Symbols) == 0 {
		add("no symbols configured, symbols file: %s", c.SymbolsFile)
	}
	switch c.Transport {
	case TransportPubSub:
		if c.ProjectID == "" {
			add("GOOGLE_CLOUD_PROJECT is required for pubsub transport")
		}
	case TransportRedis:
		if c.RedisAddr == "" {
			add("REDIS_ADDR is required for redis transport")
		}
	case TransportMemory:
	default:
		add("unknown transport: %s", c.Transport)
	}
	switch c.Broker {
	case BrokerAlpaca:
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			add("ALPACA_API_KEY and ALPACA_SECRET_KEY are required for alpaca broker")
		}
		if c.Alpaca.AccountID == "" {
			add("ALPACA_ACCOUNT_ID is required for alpaca broker")
		}
	case BrokerPaper:
		if c.PaperCash <= 0 {
			add("paper cash must be > 0, got: %g", c.PaperCash)
		}
	default:
		add("unknown broker: %s", c.Broker)
	}
	switch c.Strategy {
	case StrategyMomentum:
		if c.OrderSize <= 0 {
			add("order size must be > 0, got: %g", c.OrderSize)
		}
	case StrategyCrossover:
		if c.FastPeriod <= 0 || c.SlowPeriod <= c.FastPeriod {
			add("crossover periods need 0 < fast < slow, fast: %d, slow: %d", c.FastPeriod, c.SlowPeriod)
		}
		if c.CashFraction <= 0 || c.CashFraction > 1 {
			add("cash fraction must be in (0, 1], got: %g", c.CashFraction)
		}
	default:
		add("unknown strategy: %s", c.Strategy)
	}
	if _, err := bus.ParseOverflowPolicy(c.QueueOverflow); err != nil {
		errs = append(errs, err)
	}
	if c.QueueCapacity <= 0 {
		add("queue capacity must be > 0, got: %d", c.QueueCapacity)
	}
	if c.MaxDeliveryAttempts <= 0 {
		add("max delivery attempts must be > 0, got: %d", c.MaxDeliveryAttempts)
	}
	if c.CallTimeout <= 0 {
		add("call timeout must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		add("heartbeat interval must be > 0")
	}
	if c.HeartbeatPath == "" {
		add("heartbeat path is empty")
	}
	if c.StuckAfterChecks <= 0 {
		add("stuck-after checks must be > 0, got: %d", c.StuckAfterChecks)
	}
	if c.BrokerRPS <= 0 {
		add("broker rps must be > 0, got: %g", c.BrokerRPS)
	}
	if c.Risk.MaxOrderQty < 0 || c.Risk.MaxOrderNotional < 0 || c.Risk.OrderRateLimit < 0 {
		add("risk limits must be >= 0")
	}
	if c.Risk.OrderRateLimit > 0 && c.Risk.OrderRateWindow <= 0 {
		add("order rate window must be > 0 when a rate limit is set")
	}
	if c.Chaos.DropRate < 0 || c.Chaos.DropRate >= 1 || c.Chaos.DuplicateRate < 0 || c.Chaos.DuplicateRate > 1 || c.Chaos.MaxDelay < 0 {
		add("chaos rates must be in [0, 1) for drops and [0, 1] for duplicates")
	}

	if len(errs) != 0 {
		return invalid(stderrors.Join(errs...))
	}
	return nil
}

// SymbolList returns the configured symbols as schema symbols.
func (c Config) SymbolList() []schema.Symbol {
	out := make([]schema.Symbol, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, schema.Symbol(s))
	}
	return out
}

// Topic returns the topic a symbol's data is published on.
func (c Config) Topic(symbol schema.Symbol) string {
	if symbol.IsCrypto() {
		return c.CryptoTopic
	}
	return c.MarketTopic
}

// ParsePollInterval reads seconds and clamps them to [1m, 24h]. An empty
// value yields the default and an unparseable one the minimum.
func ParsePollInterval(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPollInterval
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) {
		return MinPollInterval
	}
	switch {
	case secs <= MinPollInterval.Seconds():
		return MinPollInterval
	case secs >= MaxPollInterval.Seconds():
		return MaxPollInterval
	}
	return time.Duration(secs * float64(time.Second))
}

// ClampPollInterval bounds d to [MinPollInterval, MaxPollInterval].
func ClampPollInterval(d time.Duration) time.Duration {
	switch {
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	default:
		return d
	}
}

// ReadSymbolsFile reads one symbol per line. Blank lines and '#' comments
// are skipped.
func ReadSymbolsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, invalid(errors.Wrap(err, "open symbols file").With("path", path))
	}
	defer f.Close()

	symbols, err := ParseSymbols(f)
	if err != nil {
		return nil, invalid(errors.Wrap(err, "read symbols file").With("path", path))
	}
	return symbols, nil
}

// ParseSymbols parses the symbols file format.
func ParseSymbols(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return dedupe(out), nil
}

func dedupe(symbols []string) []string {
	if len(symbols) == 0 {
		return symbols
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func invalid(err error) error {
	return stderrors.Join(exception.ErrConfiguration, err)
}

func parseDuration(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Errorf("invalid duration %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
