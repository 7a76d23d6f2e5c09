// Package keepalive hands control to the MQTT session so it can answer
// pings and run queued callbacks.
package keepalive

import (
	"context"
	"time"

	"github.com/autopeer-io/linkup/internal/pkg/metrics"
	"github.com/autopeer-io/linkup/pkg/log"
	"github.com/autopeer-io/linkup/pkg/mqtt"
)

// DefaultPumpTimeout is the budget the poll loop hands the session per
// iteration.
const DefaultPumpTimeout = 2 * time.Second

// Yielder is the part of mqtt.Session a Keepalive drives.
type Yielder interface {
	Yield(ctx context.Context, timeout time.Duration) error
}

// Keepalive pumps a session and tracks whether it is pumped often enough.
// The broker drops a session that stays silent for longer than the
// keep-alive interval.
type Keepalive struct {
	session  Yielder
	interval time.Duration
	now      func() time.Time

	last    time.Time
	overdue int
}

// New returns a Keepalive for session using the fixed MQTT keep-alive
// interval.
func New(session Yielder) *Keepalive {
	return &Keepalive{
		session:  session,
		interval: mqtt.DefaultKeepAlive,
		now:      time.Now,
	}
}

// Pump yields to the session for up to timeout. A timeout of zero only runs
// what is already queued.
func (k *Keepalive) Pump(ctx context.Context, timeout time.Duration) error {
	start := k.now()
	if !k.last.IsZero() {
		if gap := start.Sub(k.last); gap > k.interval {
			k.overdue++
			metrics.PumpOverdueTotal.Inc()
			log.Warn("Keepalive pump overdue", "gap", gap, "interval", k.interval)
		}
	}
	k.last = start

	err := k.session.Yield(ctx, timeout)
	metrics.PumpDuration.Observe(k.now().Sub(start).Seconds())
	return err
}

// Overdue returns how many pumps started after the keep-alive interval had
// already elapsed.
func (k *Keepalive) Overdue() int {
	return k.overdue
}

// LastPump returns when Pump was last called.
func (k *Keepalive) LastPump() time.Time {
	return k.last
}
