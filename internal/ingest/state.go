package ingest

// SubscriptionState is the lifecycle of the ingestor's subscription.
type SubscriptionState uint32

const (
	StateAbsent SubscriptionState = iota
	StateCreated
	StateActive
	StateCancelled
	StateDeleted
)

func (s SubscriptionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateCancelled:
		return "cancelled"
	case StateDeleted:
		return "deleted"
	default:
		return "absent"
	}
}
