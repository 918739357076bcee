package og

import (
	"livetrader/internal/broker"
	"livetrader/internal/schema"
)

// remoteStatus maps a brokerage status to the local lifecycle. The bool is
// false for statuses the gateway does not recognise.
func remoteStatus(raw string) (schema.OrderStatus, bool) {
	switch raw {
	case broker.StatusNew, broker.StatusAccepted, broker.StatusPendingNew, broker.StatusPartiallyFilled,
		broker.StatusPendingCancel, broker.StatusDoneForDay, "pending_replace", "accepted_for_bidding",
		"calculated", "held", "stopped", "suspended":
		return schema.OrderStatusAccepted, true
	case broker.StatusFilled:
		return schema.OrderStatusFilled, true
	case broker.StatusCanceled, broker.StatusExpired, broker.StatusReplaced:
		return schema.OrderStatusCancelled, true
	case broker.StatusRejected:
		return schema.OrderStatusRejected, true
	default:
		return schema.OrderStatusSubmitted, false
	}
}
