package bringup

import (
	"context"

	"github.com/looplab/fsm"

	fsmutil "github.com/autopeer-io/linkup/internal/pkg/util/fsm"
)

// State is a bring-up stage.
type State string

const (
	StateIdle          State = "idle"
	StateBearerOpening State = "bearer_opening"
	StateBearerOpen    State = "bearer_open"
	StateResolvingDNS  State = "resolving_dns"
	StateResolved      State = "resolved"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateFailed        State = "failed"
)

// States lists every state in bring-up order.
var States = []string{
	string(StateIdle),
	string(StateBearerOpening),
	string(StateBearerOpen),
	string(StateResolvingDNS),
	string(StateResolved),
	string(StateConnecting),
	string(StateConnected),
	string(StateFailed),
}

const (
	// EventOpen starts bearer activation.
	EventOpen = "event_open"
	// EventActivated is fired by the bearer callback.
	EventActivated = "event_activated"
	// EventResolve starts DNS resolution.
	EventResolve = "event_resolve"
	// EventResolved records the broker address.
	EventResolved = "event_resolved"
	// EventConnect starts the MQTT handshake.
	EventConnect = "event_connect"
	// EventConnected marks the session usable.
	EventConnected = "event_connected"
	// EventFail moves any live state to failed.
	EventFail = "event_fail"
	// EventReset tears down and returns to idle.
	EventReset = "event_reset"
)

func newStateMachine(b *Bringup) *fsm.FSM {
	live := []string{
		string(StateIdle),
		string(StateBearerOpening),
		string(StateBearerOpen),
		string(StateResolvingDNS),
		string(StateResolved),
		string(StateConnecting),
		string(StateConnected),
	}

	events := fsm.Events{
		{Name: EventOpen, Src: []string{string(StateIdle)}, Dst: string(StateBearerOpening)},
		{Name: EventActivated, Src: []string{string(StateBearerOpening)}, Dst: string(StateBearerOpen)},
		{Name: EventResolve, Src: []string{string(StateBearerOpen)}, Dst: string(StateResolvingDNS)},
		{Name: EventResolved, Src: []string{string(StateResolvingDNS)}, Dst: string(StateResolved)},
		{Name: EventConnect, Src: []string{string(StateResolved)}, Dst: string(StateConnecting)},
		{Name: EventConnected, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: EventFail, Src: live, Dst: string(StateFailed)},
		{Name: EventReset, Src: States, Dst: string(StateIdle)},
	}

	callbacks := fsm.Callbacks{
		"enter_state":                         fsmutil.WrapEvent(b.actionEnterState),
		"enter_" + string(StateBearerOpening): fsmutil.WrapEvent(b.actionEnterBearerOpening),
		"enter_" + string(StateFailed):        fsmutil.WrapEvent(b.actionEnterFailed),
		"enter_" + string(StateIdle):          fsmutil.WrapEvent(b.actionEnterIdle),
	}

	return fsm.NewFSM(string(StateIdle), events, callbacks)
}

// fire runs event and drops the errors that only mean nothing happened.
func (b *Bringup) fire(ctx context.Context, event string, args ...any) error {
	if err := b.fsm.Event(ctx, event, args...); fsmutil.IsRealError(err) {
		return err
	}
	return nil
}
