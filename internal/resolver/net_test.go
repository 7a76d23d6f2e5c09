package resolver

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/linkup/pkg/dispatch"
)

func newTestResolver(q *dispatch.Queue, fn lookupFunc) *NetResolver {
	r := NewNetResolver(q, "")
	r.lookup = fn
	return r
}

func TestNetResolverCallback(t *testing.T) {
	q := dispatch.NewQueue(4)
	release := make(chan struct{})
	r := newTestResolver(q, func(context.Context, string, string) ([]netip.Addr, error) {
		<-release
		return []netip.Addr{netip.MustParseAddr("::ffff:52.1.2.3")}, nil
	})

	var got []netip.Addr
	var gotCode Code
	cb := func(addrs []netip.Addr, code Code) { got, gotCode = addrs, code }

	code, addrs := r.Lookup(context.Background(), 0, "broker.example.com", cb)
	assert.Equal(t, CodeWouldBlock, code)
	assert.Nil(t, addrs)

	code, _ = r.Lookup(context.Background(), 0, "broker.example.com", cb)
	assert.Equal(t, CodeWouldBlock, code, "lookup still in flight")

	close(release)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)
	q.Drain(context.Background(), 0)

	assert.Equal(t, CodeSuccess, gotCode)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("52.1.2.3")}, got)
}

func TestNetResolverSynchronousResultSuppressesCallback(t *testing.T) {
	q := dispatch.NewQueue(4)
	r := newTestResolver(q, func(context.Context, string, string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	})

	calls := 0
	cb := func([]netip.Addr, Code) { calls++ }

	code, _ := r.Lookup(context.Background(), 0, "broker", cb)
	require.Equal(t, CodeWouldBlock, code)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	code, addrs := r.Lookup(context.Background(), 0, "broker", cb)
	assert.Equal(t, CodeSuccess, code)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, addrs)

	q.Drain(context.Background(), 0)
	assert.Equal(t, 0, calls)
}

func TestNetResolverFailure(t *testing.T) {
	q := dispatch.NewQueue(4)
	r := newTestResolver(q, func(context.Context, string, string) ([]netip.Addr, error) {
		return nil, errors.New("no such host")
	})

	var gotCode Code
	code, _ := r.Lookup(context.Background(), 0, "nowhere.invalid", func(_ []netip.Addr, c Code) { gotCode = c })
	require.Equal(t, CodeWouldBlock, code)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)
	q.Drain(context.Background(), 0)
	assert.Equal(t, CodeError, gotCode)
}

func TestNetResolverImmediateCodes(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := newTestResolver(dispatch.NewQueue(8), func(context.Context, string, string) ([]netip.Addr, error) {
		<-block
		return nil, nil
	})
	cb := func([]netip.Addr, Code) {}
	ctx := context.Background()

	code, _ := r.Lookup(ctx, 0, "", cb)
	assert.Equal(t, CodeInvalidArgs, code)

	code, _ = r.Lookup(ctx, 0, "host", nil)
	assert.Equal(t, CodeInvalidArgs, code)

	code, addrs := r.Lookup(ctx, 0, "192.0.2.1", cb)
	assert.Equal(t, CodeSuccess, code)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1")}, addrs)

	for _, h := range []string{"a", "b", "c", "d"} {
		code, _ = r.Lookup(ctx, 0, h, cb)
		require.Equal(t, CodeWouldBlock, code)
	}
	code, _ = r.Lookup(ctx, 0, "e", cb)
	assert.Equal(t, CodeLimitResource, code)
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "would-block", CodeWouldBlock.String())
	assert.Equal(t, "code(7)", Code(7).String())
}
