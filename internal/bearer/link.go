package bearer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/autopeer-io/linkup/pkg/dispatch"
	"github.com/autopeer-io/linkup/pkg/log"
)

type linkState int

const (
	linkAbsent linkState = iota
	linkDown
	linkUp
)

// linkSample is one observation of a network interface.
type linkSample struct {
	state linkState
	index int
}

// LinkOpener drives a bearer backed by a host network interface. The bearer
// is activated once the interface is up and carries a global unicast address.
// Events are posted to the dispatch queue, never delivered directly.
type LinkOpener struct {
	queue      dispatch.Poster
	interfaces map[Kind]string
	interval   time.Duration

	// probe is swapped in tests.
	probe func(name string) linkSample

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Opener = (*LinkOpener)(nil)

// NewLinkOpener returns an opener that maps each Kind to an interface name
// and samples it every interval.
func NewLinkOpener(queue dispatch.Poster, interfaces map[Kind]string, interval time.Duration) *LinkOpener {
	if interval <= 0 {
		interval = time.Second
	}
	return &LinkOpener{
		queue:      queue,
		interfaces: interfaces,
		interval:   interval,
		probe:      probeInterface,
	}
}

func (o *LinkOpener) Open(ctx context.Context, kind Kind, cb Callback) Handle {
	name, ok := o.interfaces[kind]
	if !ok || name == "" || cb == nil {
		log.Warn("No interface configured for bearer", "kind", kind)
		return HandleError
	}

	_ = o.Close()

	first := o.probe(name)

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.mu.Lock()
	o.cancel, o.done = cancel, done
	o.mu.Unlock()

	go o.watch(wctx, done, name, cb)

	if first.state == linkAbsent {
		return HandleWouldBlock
	}
	return Handle(first.index)
}

func (o *LinkOpener) Close() error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// watch samples the interface and posts an event for every transition.
func (o *LinkOpener) watch(ctx context.Context, done chan struct{}, name string, cb Callback) {
	defer close(done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	prev := linkSample{state: linkAbsent, index: int(HandleWouldBlock)}
	for {
		cur := o.probe(name)
		for _, ev := range transition(prev.state, cur.state) {
			h := Handle(cur.index)
			if cur.state == linkAbsent {
				h = Handle(prev.index)
			}
			o.post(cb, h, ev, uint32(max(int(h), 0)))
		}
		prev = cur

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *LinkOpener) post(cb Callback, h Handle, ev Event, account uint32) {
	if err := o.queue.Post(func() { cb(h, ev, account) }); err != nil {
		log.Error(err, "Dropped bearer event", "event", ev)
	}
}

// transition lists the events that move a bearer from one link state to
// another.
func transition(from, to linkState) []Event {
	if from == to {
		return nil
	}
	switch to {
	case linkUp:
		if from == linkAbsent {
			return []Event{EventActivating, EventActivated}
		}
		return []Event{EventActivated}
	case linkDown:
		if from == linkUp {
			return []Event{EventDeactivating}
		}
		return []Event{EventActivating}
	default:
		if from == linkUp {
			return []Event{EventDeactivating, EventDeactivated}
		}
		return []Event{EventDeactivated}
	}
}

func probeInterface(name string) linkSample {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return linkSample{state: linkAbsent}
	}
	s := linkSample{state: linkDown, index: iface.Index}
	if iface.Flags&net.FlagUp == 0 {
		return s
	}

	addrs, err := iface.Addrs()
	if err != nil {
		log.Debug("Failed to list interface addresses", "interface", name, "error", err)
		return s
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.IsGlobalUnicast() {
			s.state = linkUp
			return s
		}
	}
	return s
}
