package sink

import (
	"fmt"
	"time"

	"github.com/kalambet/vitalsd/internal/signal"
)

// Kind classifies the result of one delivery attempt.
type Kind int

const (
	Delivered Kind = iota
	Rejected
	Unreachable
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	}
	return "unknown"
}

// Outcome is the result of a single Send. Code is set for Rejected, Detail
// for Rejected and Unreachable.
type Outcome struct {
	Kind    Kind
	Code    int
	Detail  string
	Latency time.Duration
}

// OK reports whether the observation was delivered.
func (o Outcome) OK() bool { return o.Kind == Delivered }

// Err converts a failed outcome into an error wrapping the matching
// taxonomy sentinel. It returns nil for Delivered.
func (o Outcome) Err() error {
	switch o.Kind {
	case Delivered:
		return nil
	case Rejected:
		if o.Detail != "" {
			return fmt.Errorf("%w: status %d: %s", signal.ErrDeliveryRejected, o.Code, o.Detail)
		}
		return fmt.Errorf("%w: status %d", signal.ErrDeliveryRejected, o.Code)
	default:
		return fmt.Errorf("%w: %s", signal.ErrDeliveryUnreachable, o.Detail)
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case Delivered:
		return "delivered"
	case Rejected:
		return fmt.Sprintf("rejected (HTTP %d)", o.Code)
	}
	return "unreachable: " + o.Detail
}
