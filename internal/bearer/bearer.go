// Package bearer activates the data bearer (Wi-Fi or cellular) the device
// talks through, and reports its state changes through a callback.
package bearer

import (
	"context"
	"fmt"
)

// Kind selects the physical bearer.
type Kind int

const (
	KindWLAN Kind = iota
	KindCellular
)

func (k Kind) String() string {
	switch k {
	case KindWLAN:
		return "wlan"
	case KindCellular:
		return "cellular"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a bearer state change delivered to a Callback.
type Event int

const (
	EventDeactivated Event = iota
	EventActivating
	EventActivated
	EventDeactivating
)

func (e Event) String() string {
	switch e {
	case EventDeactivated:
		return "deactivated"
	case EventActivating:
		return "activating"
	case EventActivated:
		return "activated"
	case EventDeactivating:
		return "deactivating"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Handle identifies an opened bearer. Non-negative values are real handles.
type Handle int

const (
	// HandleError means the bearer could not be opened at all.
	HandleError Handle = -1
	// HandleWouldBlock means the open is in progress and the real handle
	// arrives with the first callback.
	HandleWouldBlock Handle = -2
)

// Valid reports whether h is a real handle.
func (h Handle) Valid() bool {
	return h >= 0
}

// Callback receives bearer events. account identifies the data account the
// DNS service needs for lookups over this bearer.
type Callback func(h Handle, ev Event, account uint32)

// Opener is the bearer driver.
type Opener interface {
	// Open requests activation of kind without blocking. It returns a
	// handle, HandleWouldBlock, or HandleError. Completion is reported
	// through cb.
	Open(ctx context.Context, kind Kind, cb Callback) Handle

	// Close releases the bearer opened last. It is safe to call when
	// nothing is open.
	Close() error
}
