package schema

import (
	"strings"
	"time"
)

// Symbol identifies an instrument, e.g. "AAPL" or "BTC/USD".
type Symbol string

// IsCrypto reports whether the symbol is a currency pair.
func (s Symbol) IsCrypto() bool {
	return strings.Contains(string(s), "/")
}

func (s Symbol) String() string {
	return string(s)
}

// Record is a decoded market-data message waiting to be assembled.
type Record struct {
	MessageID  string
	Symbol     Symbol
	Fields     map[string]any
	ReceivedAt time.Time
}

// Bar is one normalized OHLCV observation. Extra carries every dynamic field
// known for the symbol at assembly time.
type Bar struct {
	Symbol    Symbol
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Extra     map[string]float64
}

// Position is the brokerage's view of one holding.
type Position struct {
	Size     float64
	AvgPrice float64
}

// AccountSnapshot is an immutable copy of the brokerage account.
type AccountSnapshot struct {
	Cash      float64
	Equity    float64
	Positions map[Symbol]Position
	TakenAt   time.Time
}

// Position returns the holding for symbol, zero when flat.
func (a AccountSnapshot) Position(symbol Symbol) Position {
	return a.Positions[symbol]
}

// Holds reports whether the account has a non-zero position in symbol.
func (a AccountSnapshot) Holds(symbol Symbol) bool {
	return a.Positions[symbol].Size != 0
}
