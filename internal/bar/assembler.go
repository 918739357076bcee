package bar

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"livetrader/internal/schema"
	"livetrader/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const defaultHistory = 256

// timestampLayouts covers ISO-8601 with a 'T' separator. A space separator is
// rewritten to 'T' before parsing.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04-0700",
	"2006-01-02T15:04-07",
	"2006-01-02T15:04",
	"2006-01-02",
}

// fieldAliases maps accepted keys to canonical bar fields.
var fieldAliases = map[string]string{
	"timestamp": "timestamp",
	"time":      "timestamp",
	"t":         "timestamp",
	"open":      "open",
	"o":         "open",
	"high":      "high",
	"h":         "high",
	"low":       "low",
	"l":         "low",
	"close":     "close",
	"c":         "close",
	"volume":    "volume",
	"v":         "volume",
	"symbol":    "symbol",
	"S":         "symbol",
}

// Assembler turns drained records into bars and keeps per-symbol history.
// The set of extra fields of a symbol only grows.
type Assembler struct {
	mu      sync.Mutex
	history int
	symbols map[schema.Symbol]*series
}

type series struct {
	fields []string
	known  map[string]struct{}
	bars   []schema.Bar
}

// NewAssembler keeps up to history bars per symbol.
func NewAssembler(history int) *Assembler {
	if history <= 0 {
		history = defaultHistory
	}
	return &Assembler{history: history, symbols: make(map[schema.Symbol]*series)}
}

// Assemble converts records into bars ordered by timestamp. Records that
// cannot be parsed, or that are not newer than the last accepted bar, are
// dropped and logged.
func (a *Assembler) Assemble(symbol schema.Symbol, records []schema.Record) []schema.Bar {
	if len(records) == 0 {
		return nil
	}

	type parsed struct {
		bar    schema.Bar
		extras map[string]float64
	}
	batch := make([]parsed, 0, len(records))
	for _, r := range records {
		b, extras, err := parseRecord(symbol, r)
		if err != nil {
			logs.Warnf("bar: drop record, symbol: %s, id: %s, err: %+v", symbol, r.MessageID, err)
			continue
		}
		batch = append(batch, parsed{bar: b, extras: extras})
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].bar.Timestamp.Before(batch[j].bar.Timestamp)
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.series(symbol)

	out := make([]schema.Bar, 0, len(batch))
	for _, p := range batch {
		if last, ok := s.latest(); ok && !p.bar.Timestamp.After(last.Timestamp) {
			logs.Warnf("bar: drop stale record, symbol: %s, ts: %s, latest: %s", symbol, p.bar.Timestamp.Format(time.RFC3339Nano), last.Timestamp.Format(time.RFC3339Nano))
			continue
		}
		for _, name := range sortedKeys(p.extras) {
			s.learn(name)
		}
		b := p.bar
		b.Extra = make(map[string]float64, len(s.fields))
		for _, name := range s.fields {
			b.Extra[name] = p.extras[name]
		}
		s.push(b, a.history)
		out = append(out, b)
	}
	return out
}

// HasFirstBar reports whether a bar was ever accepted for symbol.
func (a *Assembler) HasFirstBar(symbol schema.Symbol) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.symbols[symbol]
	return ok && len(s.bars) != 0
}

// Latest returns the most recent bar of symbol.
func (a *Assembler) Latest(symbol schema.Symbol) (schema.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.symbols[symbol]
	if !ok {
		return schema.Bar{}, false
	}
	return s.latest()
}

// History returns the retained bars of symbol, oldest first.
func (a *Assembler) History(symbol schema.Symbol) []schema.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.symbols[symbol]
	if !ok {
		return nil
	}
	return slices.Clone(s.bars)
}

// KnownFields returns the extra fields of symbol in discovery order.
func (a *Assembler) KnownFields(symbol schema.Symbol) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.symbols[symbol]
	if !ok {
		return nil
	}
	return slices.Clone(s.fields)
}

func (a *Assembler) series(symbol schema.Symbol) *series {
	s, ok := a.symbols[symbol]
	if !ok {
		s = &series{known: make(map[string]struct{})}
		a.symbols[symbol] = s
	}
	return s
}

func (s *series) latest() (schema.Bar, bool) {
	if len(s.bars) == 0 {
		return schema.Bar{}, false
	}
	return s.bars[len(s.bars)-1], true
}

func (s *series) learn(name string) {
	if _, ok := s.known[name]; ok {
		return
	}
	s.known[name] = struct{}{}
	s.fields = append(s.fields, name)
}

func (s *series) push(b schema.Bar, limit int) {
	s.bars = append(s.bars, b)
	if over := len(s.bars) - limit; over > 0 {
		s.bars = slices.Delete(s.bars, 0, over)
	}
}

func parseRecord(symbol schema.Symbol, r schema.Record) (schema.Bar, map[string]float64, error) {
	b := schema.Bar{Symbol: symbol}
	extras := make(map[string]float64)
	var (
		rawTS            any
		hasOpen, hasHigh bool
		hasLow, hasClose bool
	)

	for key, value := range r.Fields {
		canonical, fixed := fieldAliases[key]
		if !fixed {
			if f, ok := numeric(value); ok {
				extras[key] = f
			}
			continue
		}
		switch canonical {
		case "timestamp":
			rawTS = value
		case "symbol":
		default:
			f, ok := number(value)
			if !ok {
				return b, nil, errors.Wrap(exception.ErrMalformedInput, "non-numeric field").With("field", key)
			}
			switch canonical {
			case "open":
				b.Open, hasOpen = f, true
			case "high":
				b.High, hasHigh = f, true
			case "low":
				b.Low, hasLow = f, true
			case "close":
				b.Close, hasClose = f, true
			case "volume":
				b.Volume = f
			}
		}
	}

	if rawTS == nil {
		return b, nil, errors.Wrap(exception.ErrMalformedInput, "missing timestamp")
	}
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return b, nil, err
	}
	b.Timestamp = ts

	if !hasClose {
		return b, nil, errors.Wrap(exception.ErrMalformedInput, "missing close")
	}
	if !hasOpen {
		b.Open = b.Close
	}
	if !hasHigh {
		b.High = max(b.Open, b.Close)
	}
	if !hasLow {
		b.Low = min(b.Open, b.Close)
	}
	return b, extras, nil
}

// ParseTimestamp accepts ISO-8601 strings and unix seconds or milliseconds.
// Strings without an offset are read as UTC.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		s := isoTimestamp(t)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unix(f), nil
		}
		return time.Time{}, errors.Wrap(exception.ErrMalformedInput, "unparseable timestamp").With("value", t)
	case float64:
		return unix(t), nil
	default:
		return time.Time{}, errors.Wrap(exception.ErrMalformedInput, "unsupported timestamp type").With("value", v)
	}
}

// isoTimestamp upper-cases the 'T' and 'Z' designators and swaps a space
// date/time separator for 'T'.
func isoTimestamp(raw string) string {
	s := []byte(strings.TrimSpace(raw))
	if len(s) > 10 && (s[10] == ' ' || s[10] == 't') {
		s[10] = 'T'
	}
	if n := len(s); n > 0 && s[n-1] == 'z' {
		s[n-1] = 'Z'
	}
	return string(s)
}

// unix treats values above 1e12 as milliseconds.
func unix(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// numeric accepts only native JSON numbers, so string metadata never becomes
// an extra field.
func numeric(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
