package schema

import "time"

// Side is the direction of an order.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderKind is the order type.
type OrderKind uint8

const (
	OrderKindMarket OrderKind = iota
	OrderKindLimit
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindLimit:
		return "limit"
	default:
		return "market"
	}
}

// OrderStatus is the local lifecycle of an order.
type OrderStatus uint8

const (
	OrderStatusSubmitted OrderStatus = iota
	OrderStatusAccepted
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusSubmitted:
		return "submitted"
	case OrderStatusAccepted:
		return "accepted"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderIntent is what the decision routine wants to trade. Price is zero for
// market orders.
type OrderIntent struct {
	Symbol Symbol
	Side   Side
	Size   float64
	Price  float64
	Kind   OrderKind
}

// OrderRecord is the gateway's durable-for-the-process view of an order.
type OrderRecord struct {
	LocalRef   string
	RemoteID   string
	Symbol     Symbol
	Side       Side
	Kind       OrderKind
	Size       float64
	Price      float64
	Status     OrderStatus
	FilledSize float64
	Reason     string
	Stuck      bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Ambiguous reports whether the submit outcome is still unknown.
func (r OrderRecord) Ambiguous() bool {
	return r.Status == OrderStatusSubmitted && r.RemoteID == ""
}
