package og

import (
	"sort"
	"time"

	"livetrader/internal/schema"
	"livetrader/pkg/exception"
)

// StateMachine owns order records and enforces lifecycle transitions:
// submitted moves to any status, accepted moves to accepted or a terminal
// status, and terminal statuses never change.
type StateMachine struct {
	orders map[string]*schema.OrderRecord
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[string]*schema.OrderRecord)}
}

// Order returns a copy of the record.
func (m *StateMachine) Order(ref string) (schema.OrderRecord, bool) {
	o, ok := m.orders[ref]
	if !ok {
		return schema.OrderRecord{}, false
	}
	return *o, true
}

// Create stores a new record in submitted state.
func (m *StateMachine) Create(rec schema.OrderRecord) (schema.OrderRecord, error) {
	if rec.LocalRef == "" {
		return schema.OrderRecord{}, exception.ErrOrderUnknown
	}
	if _, ok := m.orders[rec.LocalRef]; ok {
		return schema.OrderRecord{}, exception.ErrOrderDuplicate
	}
	rec.Status = schema.OrderStatusSubmitted
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	m.orders[rec.LocalRef] = &rec
	return rec, nil
}

// Update describes a transition.
type Update struct {
	Status     schema.OrderStatus
	RemoteID   string
	FilledSize float64
	Reason     string
	At         time.Time
}

// Apply moves a record to a new status. The returned bool reports whether the
// status changed.
func (m *StateMachine) Apply(ref string, u Update) (schema.OrderRecord, bool, error) {
	o, ok := m.orders[ref]
	if !ok {
		return schema.OrderRecord{}, false, exception.ErrOrderUnknown
	}
	if !canTransition(o.Status, u.Status) {
		return *o, false, exception.ErrOrderInvalidTransition
	}
	changed := o.Status != u.Status
	o.Status = u.Status
	if u.RemoteID != "" {
		o.RemoteID = u.RemoteID
	}
	if u.FilledSize > o.FilledSize {
		o.FilledSize = u.FilledSize
	}
	if u.Reason != "" {
		o.Reason = u.Reason
	}
	if !u.At.IsZero() {
		o.UpdatedAt = u.At
	}
	if o.Status.IsTerminal() {
		o.Stuck = false
	}
	return *o, changed, nil
}

// MarkStuck flags a record for operator attention. It reports whether the
// flag was newly set.
func (m *StateMachine) MarkStuck(ref string, reason string, stuck bool) (schema.OrderRecord, bool) {
	o, ok := m.orders[ref]
	if !ok || o.Stuck == stuck {
		if ok {
			return *o, false
		}
		return schema.OrderRecord{}, false
	}
	o.Stuck = stuck
	if reason != "" {
		o.Reason = reason
	}
	return *o, true
}

// Outstanding returns every non-terminal record, oldest first.
func (m *StateMachine) Outstanding() []schema.OrderRecord {
	return m.filter(func(o *schema.OrderRecord) bool { return !o.Status.IsTerminal() })
}

// Stuck returns every record flagged for attention.
func (m *StateMachine) Stuck() []schema.OrderRecord {
	return m.filter(func(o *schema.OrderRecord) bool { return o.Stuck })
}

// All returns every record, oldest first.
func (m *StateMachine) All() []schema.OrderRecord {
	return m.filter(func(*schema.OrderRecord) bool { return true })
}

func (m *StateMachine) filter(keep func(*schema.OrderRecord) bool) []schema.OrderRecord {
	out := make([]schema.OrderRecord, 0)
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LocalRef < out[j].LocalRef
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func canTransition(from, to schema.OrderStatus) bool {
	switch from {
	case schema.OrderStatusSubmitted:
		return true
	case schema.OrderStatusAccepted:
		return to != schema.OrderStatusSubmitted
	default:
		return from == to
	}
}
