// Package bringup takes the device from no connectivity to an authenticated
// MQTT session in three ordered stages: bearer activation, broker name
// resolution and the secure connect.
//
// Every stage is non-blocking. The caller drives progress from its poll loop
// by calling the stage that matches State and pumping the session in between;
// bearer and DNS completions arrive as callbacks through the dispatch queue,
// so a Bringup is only ever touched from that one loop and holds no locks.
package bringup

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/linkup/internal/bearer"
	"github.com/autopeer-io/linkup/internal/pkg/metrics"
	"github.com/autopeer-io/linkup/internal/resolver"
	"github.com/autopeer-io/linkup/pkg/log"
	"github.com/autopeer-io/linkup/pkg/mqtt"
)

var (
	// ErrBearerUnavailable is returned when the bearer driver refuses to
	// hand out a handle.
	ErrBearerUnavailable = errors.New("bringup: bearer unavailable")
	// ErrInvalidState is returned when a stage is requested out of order.
	ErrInvalidState = errors.New("bringup: operation not valid in current state")
	// ErrResolveFailed wraps permanent DNS failures.
	ErrResolveFailed = errors.New("bringup: name resolution failed")
)

// ResolveStatus is the outcome of ResolveName.
type ResolveStatus int

const (
	// ResolvePending means the lookup has not finished; call again later.
	ResolvePending ResolveStatus = iota
	// ResolveSucceeded means Address holds the broker address.
	ResolveSucceeded
	// ResolveFailed means the lookup failed for this attempt.
	ResolveFailed
)

func (s ResolveStatus) String() string {
	switch s {
	case ResolvePending:
		return "pending"
	case ResolveSucceeded:
		return "succeeded"
	case ResolveFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Done reports whether the caller should stop retrying. It is true for both
// success and permanent failure, matching the single boolean older callers
// were written against.
func (s ResolveStatus) Done() bool {
	return s != ResolvePending
}

// Bringup is the bring-up state of one device connection.
type Bringup struct {
	cfg      Config
	opener   bearer.Opener
	resolver resolver.Resolver
	session  mqtt.Session
	fsm      *fsm.FSM

	handle  bearer.Handle
	account uint32
	address netip.Addr
	err     error
}

// New returns a Bringup in StateIdle.
func New(cfg Config, opener bearer.Opener, res resolver.Resolver, session mqtt.Session) (*Bringup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	if opener == nil || res == nil || session == nil {
		return nil, errors.New("bringup requires a bearer opener, a resolver and a session")
	}

	b := &Bringup{
		cfg:      cfg,
		opener:   opener,
		resolver: res,
		session:  session,
		handle:   bearer.HandleError,
	}
	b.fsm = newStateMachine(b)
	metrics.SetBringupState(string(StateIdle), States)
	return b, nil
}

// OpenBearer requests activation of the configured bearer. It returns once
// the driver has accepted the request; activation completes later through
// the bearer callback, which moves the state to StateBearerOpen.
func (b *Bringup) OpenBearer(ctx context.Context) error {
	if !b.fsm.Is(string(StateIdle)) {
		return fmt.Errorf("%w: open bearer in state %s", ErrInvalidState, b.State())
	}
	if err := b.fire(ctx, EventOpen); err != nil {
		return err
	}

	b.handle = bearer.HandleWouldBlock
	h := b.opener.Open(ctx, b.cfg.Transport, b.onBearerEvent)
	switch {
	case h.Valid():
		b.handle = h
	case h == bearer.HandleWouldBlock:
		// The real handle arrives with the first callback.
	default:
		b.handle = bearer.HandleError
		err := fmt.Errorf("%w: %s driver returned %d", ErrBearerUnavailable, b.cfg.Transport, h)
		b.fail(ctx, err)
		return err
	}
	return nil
}

func (b *Bringup) onBearerEvent(h bearer.Handle, ev bearer.Event, account uint32) {
	if b.handle == bearer.HandleWouldBlock {
		b.handle = h
	}

	if ev != bearer.EventActivated {
		log.Debug("Bearer event", "event", ev, "handle", h)
		return
	}
	if !b.fsm.Is(string(StateBearerOpening)) {
		log.Debug("Ignoring bearer activation", "state", b.State(), "handle", h)
		return
	}

	b.account = account
	log.Info("Bearer activated", "transport", b.cfg.Transport, "handle", h, "account", account)
	if err := b.fire(context.Background(), EventActivated); err != nil {
		log.Error(err, "Failed to record bearer activation")
	}
}

// ResolveName looks up name over the active bearer. Call it again while it
// returns ResolvePending; state and Address do not change until the lookup
// finishes.
func (b *Bringup) ResolveName(ctx context.Context, name string) ResolveStatus {
	switch b.State() {
	case StateBearerOpen:
		if err := b.fire(ctx, EventResolve); err != nil {
			log.Error(err, "Failed to start name resolution")
			return ResolveFailed
		}
	case StateResolvingDNS:
	case StateResolved:
		return ResolveSucceeded
	default:
		log.Error(ErrInvalidState, "Cannot resolve broker name", "state", b.State())
		return ResolveFailed
	}

	code, addrs := b.resolver.Lookup(ctx, b.account, name, func(addrs []netip.Addr, code resolver.Code) {
		b.onResolved(name, addrs, code)
	})

	switch {
	case code == resolver.CodeSuccess:
		if err := b.assignAddress(ctx, name, addrs); err != nil {
			return ResolveFailed
		}
		return ResolveSucceeded
	case code == resolver.CodeWouldBlock, code > 0:
		return ResolvePending
	default:
		b.fail(ctx, fmt.Errorf("%w: %s: %s", ErrResolveFailed, name, code))
		return ResolveFailed
	}
}

func (b *Bringup) onResolved(name string, addrs []netip.Addr, code resolver.Code) {
	if !b.fsm.Is(string(StateResolvingDNS)) {
		log.Debug("Ignoring DNS result", "host", name, "state", b.State())
		return
	}
	ctx := context.Background()
	if code != resolver.CodeSuccess {
		b.fail(ctx, fmt.Errorf("%w: %s: %s", ErrResolveFailed, name, code))
		return
	}
	_ = b.assignAddress(ctx, name, addrs)
}

func (b *Bringup) assignAddress(ctx context.Context, name string, addrs []netip.Addr) error {
	if len(addrs) == 0 || !addrs[0].IsValid() {
		err := fmt.Errorf("%w: %s: empty answer", ErrResolveFailed, name)
		b.fail(ctx, err)
		return err
	}

	b.address = addrs[0]
	log.Info("Resolved broker address", "host", name, "address", b.address)
	return b.fire(ctx, EventResolved)
}

// Connect opens the secure MQTT session to the resolved broker.
//
// A failed connect moves the state to StateFailed and returns the error,
// unless Config.LegacyConnectResult is set: then the state becomes
// StateConnected regardless and the error is only logged and kept in Err.
func (b *Bringup) Connect(ctx context.Context) error {
	if !b.fsm.Is(string(StateResolved)) {
		return fmt.Errorf("%w: connect in state %s", ErrInvalidState, b.State())
	}
	if err := b.fire(ctx, EventConnect); err != nil {
		return err
	}

	if err := b.session.Connect(ctx, b.connectParams()); err != nil {
		metrics.ConnectionsTotal.WithLabelValues("failed").Inc()
		log.Error(err, "Error in connecting", "broker", b.cfg.Host, "address", b.address)
		if !b.cfg.LegacyConnectResult {
			b.fail(ctx, err)
			return err
		}
		b.err = err
	} else {
		metrics.ConnectionsTotal.WithLabelValues("success").Inc()
	}

	return b.fire(ctx, EventConnected)
}

func (b *Bringup) connectParams() *mqtt.ConnectParams {
	p := mqtt.NewConnectParams()
	p.Host = b.cfg.Host
	p.Address = b.address
	p.Port = b.cfg.Port
	p.ClientID = b.cfg.ClientIdentifier()
	p.RootCAPath = b.cfg.RootCAPath
	p.CertPath = b.cfg.CertPath
	p.KeyPath = b.cfg.KeyPath
	if b.cfg.Protocol != "" {
		p.Protocol = b.cfg.Protocol
	}
	p.VerifyHostname = b.cfg.VerifyHostname
	p.OnDisconnect = b.cfg.OnDisconnect
	return p
}

// Reset tears the attempt down: the session is disconnected, the bearer
// released and the state returned to StateIdle with handle and address
// cleared.
func (b *Bringup) Reset(ctx context.Context) {
	b.session.Disconnect(ctx)
	if err := b.opener.Close(); err != nil {
		log.Error(err, "Failed to release bearer")
	}
	if err := b.fire(ctx, EventReset); err != nil {
		log.Error(err, "Failed to reset bring-up")
	}
}

func (b *Bringup) fail(ctx context.Context, err error) {
	b.err = err
	if ferr := b.fire(ctx, EventFail, err); ferr != nil {
		log.Error(ferr, "Failed to record bring-up failure")
	}
}

// State returns the current stage.
func (b *Bringup) State() State {
	return State(b.fsm.Current())
}

// Connected reports whether the session is usable.
func (b *Bringup) Connected() bool {
	return b.fsm.Is(string(StateConnected))
}

// Address returns the resolved broker address, or the zero Addr.
func (b *Bringup) Address() netip.Addr {
	return b.address
}

// Handle returns the bearer handle of the current attempt.
func (b *Bringup) Handle() bearer.Handle {
	return b.handle
}

// Err returns the failure that moved the bring-up to StateFailed, or the
// connect error swallowed under Config.LegacyConnectResult.
func (b *Bringup) Err() error {
	return b.err
}

// Config returns the connection configuration.
func (b *Bringup) Config() Config {
	return b.cfg
}

func (b *Bringup) actionEnterState(_ context.Context, e *fsm.Event) error {
	metrics.SetBringupState(e.Dst, States)
	log.Debug("Bring-up state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
	return nil
}

func (b *Bringup) actionEnterBearerOpening(_ context.Context, _ *fsm.Event) error {
	metrics.BringupAttemptsTotal.Inc()
	log.Info("Opening bearer", "transport", b.cfg.Transport)
	return nil
}

func (b *Bringup) actionEnterFailed(_ context.Context, e *fsm.Event) error {
	var err error = errors.New("unknown error")
	if len(e.Args) > 0 {
		if argErr, ok := e.Args[0].(error); ok {
			err = argErr
		}
	}
	log.Error(err, "Bring-up failed", "stage", e.Src)
	return nil
}

func (b *Bringup) actionEnterIdle(_ context.Context, e *fsm.Event) error {
	b.handle = bearer.HandleError
	b.account = 0
	b.address = netip.Addr{}
	b.err = nil
	log.Info("Bring-up reset", "from", e.Src)
	return nil
}
