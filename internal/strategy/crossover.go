package strategy

import (
	"math"

	"livetrader/internal/schema"
)

const (
	DefaultFastPeriod   = 10
	DefaultSlowPeriod   = 30
	DefaultCashFraction = 0.15
)

// Crossover trades simple moving average crossovers. It opens a position with
// a fraction of available cash when the fast average crosses above the slow
// one, and closes the whole position on the opposite cross.
type Crossover struct {
	Fast         int
	Slow         int
	CashFraction float64
}

// NewCrossover fills zero values with defaults.
func NewCrossover(fast, slow int, fraction float64) Crossover {
	if fast <= 0 {
		fast = DefaultFastPeriod
	}
	if slow <= fast {
		slow = max(DefaultSlowPeriod, fast+1)
	}
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultCashFraction
	}
	return Crossover{Fast: fast, Slow: slow, CashFraction: fraction}
}

func (c Crossover) Decide(in Input) (schema.OrderIntent, bool) {
	n := len(in.History)
	if n < c.Slow+1 || in.Bar.Close <= 0 {
		return schema.OrderIntent{}, false
	}
	fastNow, slowNow := sma(in.History, n, c.Fast), sma(in.History, n, c.Slow)
	fastPrev, slowPrev := sma(in.History, n-1, c.Fast), sma(in.History, n-1, c.Slow)

	pos := in.Account.Position(in.Symbol)
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		if pos.Size > 0 {
			return schema.OrderIntent{}, false
		}
		size := roundSize(in.Symbol, in.Account.Cash*c.CashFraction/in.Bar.Close)
		if size <= 0 {
			return schema.OrderIntent{}, false
		}
		return schema.OrderIntent{Symbol: in.Symbol, Side: schema.SideBuy, Size: size, Kind: schema.OrderKindMarket}, true
	case fastPrev >= slowPrev && fastNow < slowNow:
		if pos.Size <= 0 {
			return schema.OrderIntent{}, false
		}
		return schema.OrderIntent{Symbol: in.Symbol, Side: schema.SideSell, Size: pos.Size, Kind: schema.OrderKindMarket}, true
	default:
		return schema.OrderIntent{}, false
	}
}

// sma averages the closes of the period bars ending before index end.
func sma(bars []schema.Bar, end, period int) float64 {
	var sum float64
	for _, b := range bars[end-period : end] {
		sum += b.Close
	}
	return sum / float64(period)
}

// roundSize truncates equities to whole shares and crypto to six decimals.
func roundSize(symbol schema.Symbol, size float64) float64 {
	if symbol.IsCrypto() {
		return math.Floor(size*1e6) / 1e6
	}
	return math.Floor(size)
}
