package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposited
	EventTypeSharesMinted
	EventTypeWithdrawRequested
	EventTypeQueueSettled
	EventTypeClaimed
	EventTypeAdjustmentDispatched
	EventTypeAdjustmentFinalized
	EventTypePriceUpdated
	EventTypeFeesCollected
)

// Envelope wraps every entry in the durable event log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Pool context (nullable for global events like price updates)
	PoolID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation (price feeds)
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PoolID returns the pool context (nil for global events)
	PoolID() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeSharesMinted:
		return "SharesMinted"
	case EventTypeWithdrawRequested:
		return "WithdrawRequested"
	case EventTypeQueueSettled:
		return "QueueSettled"
	case EventTypeClaimed:
		return "Claimed"
	case EventTypeAdjustmentDispatched:
		return "AdjustmentDispatched"
	case EventTypeAdjustmentFinalized:
		return "AdjustmentFinalized"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypeFeesCollected:
		return "FeesCollected"
	default:
		return "Unknown"
	}
}
