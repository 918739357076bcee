package risk

import (
	"sync"
	"time"

	"livetrader/internal/schema"
)

// Reason explains a decision.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonInFlight
	ReasonAmbiguous
	ReasonMaxQty
	ReasonMaxNotional
	ReasonRateLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonKillSwitch:
		return "kill_switch"
	case ReasonInFlight:
		return "in_flight"
	case ReasonAmbiguous:
		return "ambiguous_order"
	case ReasonMaxQty:
		return "max_qty"
	case ReasonMaxNotional:
		return "max_notional"
	case ReasonRateLimit:
		return "rate_limit"
	default:
		return "none"
	}
}

// Config defines pre-dispatch limits. Zero disables a limit.
type Config struct {
	KillSwitch       bool    `json:"killSwitch"`
	MaxOrderQty      float64 `json:"maxOrderQty"`
	MaxOrderNotional float64 `json:"maxOrderNotional"`
	// MaxInFlight is how many non-terminal orders a symbol may have; at
	// least one order is always allowed.
	MaxInFlight     int           `json:"maxInFlight"`
	OrderRateLimit  int           `json:"orderRateLimit"`
	OrderRateWindow time.Duration `json:"orderRateWindow"`
}

// StateView is what the guard needs to know about a symbol.
type StateView struct {
	InFlight  []schema.OrderRecord
	LastPrice float64
	Now       time.Time
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allow  bool
	Reason Reason
}

// Guard evaluates intents before they reach the gateway.
type Guard struct {
	cfg Config

	mu    sync.Mutex
	rates map[schema.Symbol]*window
}

type window struct {
	start time.Time
	count int
}

// NewGuard creates a guard with static limits.
func NewGuard(cfg Config) *Guard {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Guard{cfg: cfg, rates: make(map[schema.Symbol]*window)}
}

// Evaluate applies every check to intent. An allowed intent counts toward
// the rate limit.
func (g *Guard) Evaluate(intent schema.OrderIntent, state StateView) Decision {
	if g.cfg.KillSwitch {
		return deny(ReasonKillSwitch)
	}
	for _, rec := range state.InFlight {
		if rec.Ambiguous() {
			return deny(ReasonAmbiguous)
		}
	}
	if len(state.InFlight) >= g.cfg.MaxInFlight {
		return deny(ReasonInFlight)
	}
	if g.cfg.MaxOrderQty > 0 && intent.Size > g.cfg.MaxOrderQty {
		return deny(ReasonMaxQty)
	}
	if g.cfg.MaxOrderNotional > 0 {
		price := intent.Price
		if price <= 0 {
			price = state.LastPrice
		}
		if price*intent.Size > g.cfg.MaxOrderNotional {
			return deny(ReasonMaxNotional)
		}
	}
	if !g.takeRate(intent.Symbol, state.Now) {
		return deny(ReasonRateLimit)
	}
	return Decision{Allow: true}
}

func (g *Guard) takeRate(symbol schema.Symbol, now time.Time) bool {
	if g.cfg.OrderRateLimit <= 0 || g.cfg.OrderRateWindow <= 0 {
		return true
	}
	if now.IsZero() {
		now = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.rates[symbol]
	if !ok {
		w = &window{}
		g.rates[symbol] = w
	}
	if w.start.IsZero() || now.Sub(w.start) >= g.cfg.OrderRateWindow {
		w.start = now
		w.count = 0
	}
	if w.count >= g.cfg.OrderRateLimit {
		return false
	}
	w.count++
	return true
}

func deny(reason Reason) Decision {
	return Decision{Allow: false, Reason: reason}
}
