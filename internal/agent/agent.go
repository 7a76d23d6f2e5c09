// Package agent runs the device poll loop: it walks the bring-up through its
// stages, retries from idle after failures, pumps the MQTT session on every
// iteration and serves the device status.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/linkup/internal/bringup"
	"github.com/autopeer-io/linkup/internal/channel"
	"github.com/autopeer-io/linkup/internal/keepalive"
	"github.com/autopeer-io/linkup/internal/notify"
	"github.com/autopeer-io/linkup/pkg/dispatch"
	"github.com/autopeer-io/linkup/pkg/log"
	"github.com/autopeer-io/linkup/pkg/mqtt/topic"
	"github.com/autopeer-io/linkup/pkg/options"
)

// ErrAttemptsExhausted is returned by Run and Send when --agent.max-attempts
// bring-up attempts failed in a row.
var ErrAttemptsExhausted = errors.New("agent: bring-up attempts exhausted")

var defaultClock = time.Now

type Agent struct {
	queue   *dispatch.Queue
	bringup *bringup.Bringup
	channel *channel.Channel
	encoder *notify.Encoder
	pump    *keepalive.Keepalive
	topics  *topic.TopicBuilder

	identity          string
	from              string
	subscribeIncoming bool
	loop              options.LoopOptions

	status *StatusServer
	certs  *certWatcher
	now    func() time.Time

	// Poll loop state. Only touched from the loop goroutine, callbacks
	// included, since those run inside the pump.
	attempts     int
	stage        bringup.State
	stageSince   time.Time
	retryAt      time.Time
	lost         bool
	subscribed   bool
	certsChanged bool
	lastFailure  error

	mu       sync.RWMutex
	snapshot Status
}

// Run drives bring-up until ctx is cancelled or the attempt budget is spent.
// The status server and certificate watcher run alongside the loop.
func (a *Agent) Run(ctx context.Context) error {
	log.Info("Starting linkup-agent", "identity", a.identity, "broker", a.bringup.Config().Host)

	g, ctx := errgroup.WithContext(ctx)

	if a.status != nil {
		g.Go(func() error {
			return a.status.Start(ctx)
		})
	}
	if a.certs != nil {
		g.Go(func() error {
			return a.certs.Start(ctx)
		})
	}

	g.Go(func() error {
		defer a.bringup.Reset(context.Background())
		return a.poll(ctx)
	})

	err := g.Wait()
	log.Info("Agent shutting down...")
	return err
}

// Send brings the connection up, publishes one notification to the device's
// outgoing topic and tears the connection down again. Oversized messages are
// rejected before any network activity.
func (a *Agent) Send(ctx context.Context, to, from, body, mediaURL string) error {
	if from == "" {
		from = a.from
	}
	msg := notify.OutboundMessage{To: to, From: from, Body: body, MediaURL: mediaURL}
	if _, err := a.encoder.Encode(msg); err != nil {
		return err
	}

	defer a.bringup.Reset(context.Background())

	for !a.ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.step(ctx); err != nil {
			return err
		}
		if err := a.pump.Pump(ctx, a.loop.PumpTimeout); err != nil {
			return err
		}
	}

	outgoing := a.topics.Outgoing(a.identity)
	if err := a.encoder.Send(ctx, outgoing, msg.To, msg.From, msg.Body, msg.MediaURL); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	log.Info("Notification sent", "topic", outgoing, "to", to)

	// Let the session flush before disconnecting.
	return a.pump.Pump(ctx, 0)
}

func (a *Agent) poll(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := a.step(ctx); err != nil {
			return err
		}
		a.publishStatus()

		if err := a.pump.Pump(ctx, a.loop.PumpTimeout); err != nil && ctx.Err() == nil {
			log.Error(err, "Keepalive pump failed")
		}
	}
}

// step advances the bring-up by at most one stage.
func (a *Agent) step(ctx context.Context) error {
	state := a.bringup.State()
	if state != a.stage {
		a.stage = state
		a.stageSince = a.now()
	}

	if a.certsChanged {
		a.certsChanged = false
		if state != bringup.StateIdle {
			log.Info("Device certificates changed, restarting bring-up", "state", state)
			a.reset(ctx)
			return nil
		}
	}

	switch state {
	case bringup.StateIdle:
		if a.loop.MaxAttempts > 0 && a.attempts >= a.loop.MaxAttempts {
			return fmt.Errorf("%w: %d attempts, last error: %v", ErrAttemptsExhausted, a.attempts, a.lastFailure)
		}
		a.attempts++
		if err := a.bringup.OpenBearer(ctx); err != nil {
			log.Error(err, "Failed to open bearer", "attempt", a.attempts)
		}

	case bringup.StateBearerOpening:
		a.checkStageTimeout(ctx, state)

	case bringup.StateBearerOpen, bringup.StateResolvingDNS:
		status := a.bringup.ResolveName(ctx, a.bringup.Config().Host)
		if !status.Done() {
			a.checkStageTimeout(ctx, state)
		}

	case bringup.StateResolved:
		if err := a.bringup.Connect(ctx); err != nil {
			log.Error(err, "Failed to connect to broker", "attempt", a.attempts)
		}

	case bringup.StateConnected:
		if a.lost {
			log.Warn("Broker connection lost, restarting bring-up")
			a.reset(ctx)
			return nil
		}
		// Only a legacy connect result leaves an error behind in this state.
		if a.bringup.Err() != nil {
			a.retryLater(ctx)
			return nil
		}
		a.attempts = 0
		a.subscribe(ctx)

	case bringup.StateFailed:
		a.retryLater(ctx)
	}

	return nil
}

// ready reports whether the bring-up reached a usable broker session.
func (a *Agent) ready() bool {
	return a.bringup.Connected() && a.bringup.Err() == nil
}

func (a *Agent) retryLater(ctx context.Context) {
	if a.retryAt.IsZero() {
		a.retryAt = a.now().Add(a.loop.RetryInterval)
		log.Info("Bring-up attempt failed, retrying", "in", a.loop.RetryInterval, "attempt", a.attempts)
	}
	if !a.now().Before(a.retryAt) {
		a.reset(ctx)
	}
}

func (a *Agent) checkStageTimeout(ctx context.Context, state bringup.State) {
	if elapsed := a.now().Sub(a.stageSince); elapsed > a.loop.StageTimeout {
		log.Warn("Bring-up stage timed out", "state", state, "elapsed", elapsed)
		a.lastFailure = fmt.Errorf("%s timed out after %s", state, elapsed.Round(time.Second))
		a.reset(ctx)
	}
}

func (a *Agent) reset(ctx context.Context) {
	if err := a.bringup.Err(); err != nil {
		a.lastFailure = err
	}
	a.bringup.Reset(ctx)
	a.retryAt = time.Time{}
	a.lost = false
	a.subscribed = false
}

func (a *Agent) subscribe(ctx context.Context) {
	if !a.subscribeIncoming || a.subscribed {
		return
	}
	// A failed subscription is logged by the channel and not retried.
	a.subscribed = true
	_ = a.channel.Subscribe(ctx, a.topics.Incoming(a.identity), a.handleIncoming)
}

func (a *Agent) handleIncoming(ctx context.Context, _ string, payload []byte) {
	logger := logr.FromContextOrDiscard(ctx)

	msg, err := notify.Decode(payload)
	if err != nil {
		logger.Error(err, "Discarding malformed notification", "bytes", len(payload))
		return
	}
	logger.Info("Notification received", "from", msg.From, "to", msg.To, "type", msg.Type, "media", msg.MediaURL != "")
}

// onDisconnect runs from the pump when an established session drops.
func (a *Agent) onDisconnect() {
	a.lost = true
}

// onCertsChanged runs from the pump when a CA, certificate or key file changes.
func (a *Agent) onCertsChanged() {
	a.certsChanged = true
}
