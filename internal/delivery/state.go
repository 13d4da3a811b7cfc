package delivery

import (
	"fmt"

	"monitorflux/internal/model"
)

// allowed lists every legal record transition. Acknowledged has no
// outgoing edge.
var allowed = map[model.DeliveryState][]model.DeliveryState{
	model.StatePending:  {model.StateInFlight},
	model.StateInFlight: {model.StateAcknowledged, model.StateFailed},
	model.StateFailed:   {model.StatePending},
}

func CanTransition(from, to model.DeliveryState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	Seq  uint64
	From model.DeliveryState
	To   model.DeliveryState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("delivery %d: illegal transition %s -> %s", e.Seq, e.From, e.To)
}
