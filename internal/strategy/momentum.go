package strategy

import "livetrader/internal/schema"

// Momentum buys when the close rises and sells when it falls, always for a
// fixed size.
type Momentum struct {
	Size float64
}

func (m Momentum) Decide(in Input) (schema.OrderIntent, bool) {
	prev, ok := previous(in)
	if !ok {
		return schema.OrderIntent{}, false
	}
	size := m.Size
	if size <= 0 {
		size = 1
	}

	var side schema.Side
	switch {
	case in.Bar.Close > prev.Close:
		side = schema.SideBuy
	case in.Bar.Close < prev.Close:
		side = schema.SideSell
	default:
		return schema.OrderIntent{}, false
	}
	return schema.OrderIntent{
		Symbol: in.Symbol,
		Side:   side,
		Size:   size,
		Kind:   schema.OrderKindMarket,
	}, true
}
