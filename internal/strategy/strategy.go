// Package strategy holds decision routines. A routine is a pure function of
// its input: it never performs I/O and never mutates the input.
package strategy

import (
	"livetrader/internal/schema"
)

// Input is everything a routine sees for one symbol in one cycle.
type Input struct {
	Symbol schema.Symbol
	// Bar is the newest bar.
	Bar schema.Bar
	// History holds retained bars oldest first; its last element is Bar.
	History []schema.Bar
	Account schema.AccountSnapshot
}

// Decider evaluates a symbol and optionally returns an order intent.
type Decider interface {
	Decide(in Input) (schema.OrderIntent, bool)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(in Input) (schema.OrderIntent, bool)

// Decide calls f.
func (f DeciderFunc) Decide(in Input) (schema.OrderIntent, bool) {
	return f(in)
}

// previous returns the bar before the newest one.
func previous(in Input) (schema.Bar, bool) {
	if len(in.History) < 2 {
		return schema.Bar{}, false
	}
	return in.History[len(in.History)-2], true
}
