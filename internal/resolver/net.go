package resolver

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/autopeer-io/linkup/pkg/dispatch"
	"github.com/autopeer-io/linkup/pkg/log"
)

const (
	// DefaultLookupTimeout bounds one background lookup.
	DefaultLookupTimeout = 10 * time.Second

	// maxInflight is how many host names may be resolving at once.
	maxInflight = 4
)

type lookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

type entry struct {
	done  bool
	code  Code
	addrs []netip.Addr
}

// NetResolver resolves names with net.Resolver on a background goroutine and
// posts the outcome to the dispatch queue.
//
// A finished lookup is reported exactly once: by a later Lookup for the same
// host or through its callback, whichever comes first.
type NetResolver struct {
	queue   dispatch.Poster
	lookup  lookupFunc
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

var _ Resolver = (*NetResolver)(nil)

// NewNetResolver returns a resolver using the system configuration, or the
// DNS server at server (host:port) when it is not empty.
func NewNetResolver(queue dispatch.Poster, server string) *NetResolver {
	r := &net.Resolver{}
	if server != "" {
		r.PreferGo = true
		r.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, server)
		}
	}
	return &NetResolver{
		queue:   queue,
		lookup:  r.LookupNetIP,
		timeout: DefaultLookupTimeout,
		entries: make(map[string]*entry),
	}
}

func (r *NetResolver) Lookup(ctx context.Context, _ uint32, host string, cb Callback) (Code, []netip.Addr) {
	if host == "" || cb == nil {
		return CodeInvalidArgs, nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return CodeSuccess, []netip.Addr{addr}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[host]; ok {
		if !e.done {
			return CodeWouldBlock, nil
		}
		delete(r.entries, host)
		return e.code, e.addrs
	}

	if len(r.entries) >= maxInflight {
		return CodeLimitResource, nil
	}

	e := &entry{}
	r.entries[host] = e
	go r.resolve(context.WithoutCancel(ctx), host, e, cb)

	return CodeWouldBlock, nil
}

func (r *NetResolver) resolve(ctx context.Context, host string, e *entry, cb Callback) {
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.lookup(lctx, "ip", host)
	code := CodeSuccess
	if err != nil {
		log.Warn("DNS lookup failed", "host", host, "error", err)
		code, addrs = CodeError, nil
	} else if len(addrs) == 0 {
		code = CodeError
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}

	r.mu.Lock()
	e.done, e.code, e.addrs = true, code, addrs
	r.mu.Unlock()

	err = r.queue.Post(func() {
		if !r.forget(host, e) {
			return
		}
		cb(addrs, code)
	})
	if err != nil {
		log.Error(err, "Dropped DNS result", "host", host)
	}
}

// forget drops e if it is still the pending result for host, and reports
// whether it was.
func (r *NetResolver) forget(host string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[host] != e {
		return false
	}
	delete(r.entries, host)
	return true
}
