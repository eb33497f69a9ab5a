package proto

import (
	"fmt"
	"time"
)

// Priority selects the delivery guarantee and resend cadence of a message
// passed to Send.
type Priority uint8

const (
	// PriorityNone sends fire-and-forget: one transmission, no ack, no
	// retry, even on loss.
	PriorityNone Priority = iota

	// PriorityLow requires an ack, resending every 500 ms.
	PriorityLow

	// PriorityNormal requires an ack, resending every 250 ms.
	PriorityNormal

	// PriorityHigh requires an ack, resending every 100 ms.
	PriorityHigh
)

// valid checks if p is one of the defined priorities.
func (p Priority) valid() bool {
	return p <= PriorityHigh
}

// resendInterval is the fixed priority-to-cadence policy. Higher priorities
// resend more aggressively; PriorityNone never resends.
func (p Priority) resendInterval() time.Duration {
	switch p {
	case PriorityLow:
		return 500 * time.Millisecond
	case PriorityNormal:
		return 250 * time.Millisecond
	case PriorityHigh:
		return 100 * time.Millisecond
	default:
		return 0
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityNone:
		return "none"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
}
