package model

import "time"

type DeliveryState uint8

const (
	StatePending DeliveryState = iota
	StateInFlight
	StateAcknowledged
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeliveryRecord tracks one envelope through send, ack and retry.
type DeliveryRecord struct {
	Seq           uint64
	State         DeliveryState
	Reason        string
	Attempts      int
	NextAttemptAt time.Time
	Deadline      time.Time
	AckedAt       time.Time
	ConnID        uint64
	Envelope      Envelope
}
