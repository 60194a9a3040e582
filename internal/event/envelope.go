// Package event defines the domain events the clearing house emits after
// every successful state transition, and the envelope they travel in.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminator for event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeLiquidityAdded
	TypeLiquidityRemoved
	TypePositionChanged
	TypePositionLiquidated
	TypeCollateralLiquidated
	TypeOrdersCancelled
	TypeFundingSettled
	TypeDeposited
	TypeWithdrawn
	TypeMarketParamUpdated
	TypeCollateralParamUpdated
)

func (t Type) String() string {
	switch t {
	case TypeLiquidityAdded:
		return "LiquidityAdded"
	case TypeLiquidityRemoved:
		return "LiquidityRemoved"
	case TypePositionChanged:
		return "PositionChanged"
	case TypePositionLiquidated:
		return "PositionLiquidated"
	case TypeCollateralLiquidated:
		return "CollateralLiquidated"
	case TypeOrdersCancelled:
		return "OrdersCancelled"
	case TypeFundingSettled:
		return "FundingSettled"
	case TypeDeposited:
		return "Deposited"
	case TypeWithdrawn:
		return "Withdrawn"
	case TypeMarketParamUpdated:
		return "MarketParamUpdated"
	case TypeCollateralParamUpdated:
		return "CollateralParamUpdated"
	default:
		return "Unknown"
	}
}

// Envelope wraps every event in the log.
type Envelope struct {
	// Monotonic sequence assigned by the clearing house.
	Sequence int64 `json:"sequence"`

	Type Type `json:"type"`

	// Market context; empty for global events (deposit, withdraw).
	MarketID string `json:"market_id,omitempty"`

	// The account the event is about.
	Trader uuid.UUID `json:"trader"`

	// Engine time at emission (versioned input, not wall clock).
	Timestamp time.Time `json:"timestamp"`

	// Typed payload, one of the structs in this package.
	Payload any `json:"payload"`
}

// Sink receives emitted events. Implementations must not mutate the envelope
// and must not fail the emitting operation.
type Sink interface {
	Publish(Envelope)
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Publish(Envelope) {}

// MultiSink fans each event out to all members in order.
type MultiSink []Sink

func (m MultiSink) Publish(e Envelope) {
	for _, s := range m {
		s.Publish(e)
	}
}

// MemorySink retains events in order, for tests.
type MemorySink struct {
	Events []Envelope
}

func (s *MemorySink) Publish(e Envelope) { s.Events = append(s.Events, e) }
