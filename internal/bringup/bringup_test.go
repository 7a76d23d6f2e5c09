package bringup

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/linkup/internal/bearer"
	"github.com/autopeer-io/linkup/internal/pkg/metrics"
	"github.com/autopeer-io/linkup/internal/resolver"
	"github.com/autopeer-io/linkup/pkg/mqtt"
)

type fakeOpener struct {
	handle bearer.Handle
	kind   bearer.Kind
	cb     bearer.Callback
	closed int
}

func (o *fakeOpener) Open(_ context.Context, kind bearer.Kind, cb bearer.Callback) bearer.Handle {
	o.kind, o.cb = kind, cb
	return o.handle
}

func (o *fakeOpener) Close() error {
	o.closed++
	return nil
}

type lookupResult struct {
	code  resolver.Code
	addrs []netip.Addr
}

type fakeResolver struct {
	results []lookupResult
	calls   int
	account uint32
	cb      resolver.Callback
}

func (r *fakeResolver) Lookup(_ context.Context, account uint32, _ string, cb resolver.Callback) (resolver.Code, []netip.Addr) {
	r.account, r.cb = account, cb
	res := r.results[min(r.calls, len(r.results)-1)]
	r.calls++
	return res.code, res.addrs
}

type fakeSession struct {
	mqtt.Session

	connectErr   error
	params       *mqtt.ConnectParams
	disconnected int
}

func (s *fakeSession) Connect(_ context.Context, p *mqtt.ConnectParams) error {
	s.params = p
	return s.connectErr
}

func (s *fakeSession) Disconnect(context.Context) { s.disconnected++ }

var brokerAddr = netip.MustParseAddr("52.20.30.40")

func testConfig() Config {
	return Config{
		Host:           "a1b2c3-ats.iot.us-east-1.amazonaws.com",
		Port:           8883,
		ClientID:       "client-1",
		ThingName:      "sms-gateway-01",
		RootCAPath:     "ca.pem",
		CertPath:       "cert.pem",
		KeyPath:        "key.pem",
		Transport:      bearer.KindWLAN,
		Protocol:       mqtt.Protocol311,
		VerifyHostname: true,
	}
}

type fixture struct {
	b        *Bringup
	opener   *fakeOpener
	resolver *fakeResolver
	session  *fakeSession
}

func newFixture(t *testing.T, cfg Config, results ...lookupResult) *fixture {
	t.Helper()
	if len(results) == 0 {
		results = []lookupResult{{resolver.CodeSuccess, []netip.Addr{brokerAddr}}}
	}
	f := &fixture{
		opener:   &fakeOpener{handle: bearer.HandleWouldBlock},
		resolver: &fakeResolver{results: results},
		session:  &fakeSession{},
	}
	b, err := New(cfg, f.opener, f.resolver, f.session)
	require.NoError(t, err)
	f.b = b
	return f
}

// toBearerOpen runs the first stage to completion.
func (f *fixture) toBearerOpen(t *testing.T) {
	t.Helper()
	require.NoError(t, f.b.OpenBearer(context.Background()))
	f.opener.cb(4, bearer.EventActivated, 11)
	require.Equal(t, StateBearerOpen, f.b.State())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Host = ""
	cfg.KeyPath = ""
	_, err := New(cfg, &fakeOpener{}, &fakeResolver{}, &fakeSession{})
	assert.ErrorContains(t, err, "broker host is required")
	assert.ErrorContains(t, err, "key paths are required")

	_, err = New(testConfig(), nil, &fakeResolver{}, &fakeSession{})
	assert.Error(t, err)
}

func TestFullBringup(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	assert.Equal(t, StateIdle, f.b.State())

	require.NoError(t, f.b.OpenBearer(ctx))
	assert.Equal(t, StateBearerOpening, f.b.State())
	assert.Equal(t, bearer.KindWLAN, f.opener.kind)

	f.opener.cb(4, bearer.EventActivated, 11)
	assert.Equal(t, StateBearerOpen, f.b.State())
	assert.Equal(t, bearer.Handle(4), f.b.Handle())

	status := f.b.ResolveName(ctx, testConfig().Host)
	assert.Equal(t, ResolveSucceeded, status)
	assert.True(t, status.Done())
	assert.Equal(t, StateResolved, f.b.State())
	assert.Equal(t, brokerAddr, f.b.Address())
	assert.Equal(t, uint32(11), f.resolver.account)

	before := testutil.ToFloat64(metrics.ConnectionsTotal.WithLabelValues("success"))
	require.NoError(t, f.b.Connect(ctx))
	assert.Equal(t, StateConnected, f.b.State())
	assert.True(t, f.b.Connected())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ConnectionsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BringupState.WithLabelValues(string(StateConnected))))

	p := f.session.params
	require.NotNil(t, p)
	assert.Equal(t, testConfig().Host, p.Host)
	assert.Equal(t, brokerAddr, p.Address)
	assert.Equal(t, 8883, p.Port)
	assert.Equal(t, "sms-gateway-01", p.ClientID, "thing name is the client identifier")
	assert.Equal(t, 10*time.Second, p.KeepAlive)
	assert.Equal(t, 20*time.Second, p.CommandTimeout)
	assert.Equal(t, 10*time.Second, p.HandshakeTimeout)
	assert.True(t, p.CleanSession)
	assert.True(t, p.VerifyHostname)
	assert.Equal(t, mqtt.Protocol311, p.Protocol)
}

func TestOpenBearer(t *testing.T) {
	t.Run("would-block handle is recorded from the callback", func(t *testing.T) {
		f := newFixture(t, testConfig())
		require.NoError(t, f.b.OpenBearer(context.Background()))
		assert.Equal(t, bearer.HandleWouldBlock, f.b.Handle())

		f.opener.cb(9, bearer.EventActivating, 0)
		assert.Equal(t, bearer.Handle(9), f.b.Handle())
		f.opener.cb(12, bearer.EventActivated, 0)
		assert.Equal(t, bearer.Handle(9), f.b.Handle(), "first delivered handle wins")
	})

	t.Run("immediate handle", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.opener.handle = 2
		require.NoError(t, f.b.OpenBearer(context.Background()))
		assert.Equal(t, bearer.Handle(2), f.b.Handle())
		f.opener.cb(7, bearer.EventActivated, 0)
		assert.Equal(t, bearer.Handle(2), f.b.Handle())
	})

	t.Run("no handle", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.opener.handle = bearer.HandleError
		err := f.b.OpenBearer(context.Background())
		assert.ErrorIs(t, err, ErrBearerUnavailable)
		assert.Equal(t, StateFailed, f.b.State())
		assert.ErrorIs(t, f.b.Err(), ErrBearerUnavailable)
	})

	t.Run("cellular transport", func(t *testing.T) {
		cfg := testConfig()
		cfg.Transport = bearer.KindCellular
		f := newFixture(t, cfg)
		require.NoError(t, f.b.OpenBearer(context.Background()))
		assert.Equal(t, bearer.KindCellular, f.opener.kind)
	})

	t.Run("out of order", func(t *testing.T) {
		f := newFixture(t, testConfig())
		require.NoError(t, f.b.OpenBearer(context.Background()))
		assert.ErrorIs(t, f.b.OpenBearer(context.Background()), ErrInvalidState)
	})
}

func TestBearerCallbackIdempotence(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.b.OpenBearer(context.Background()))

	for range 5 {
		f.opener.cb(3, bearer.EventActivating, 0)
		assert.Equal(t, StateBearerOpening, f.b.State())
	}
	f.opener.cb(3, bearer.EventDeactivating, 0)
	f.opener.cb(3, bearer.EventDeactivated, 0)
	assert.Equal(t, StateBearerOpening, f.b.State())

	f.opener.cb(3, bearer.EventActivated, 0)
	assert.Equal(t, StateBearerOpen, f.b.State())

	f.opener.cb(3, bearer.EventActivated, 0)
	f.opener.cb(3, bearer.EventActivating, 0)
	assert.Equal(t, StateBearerOpen, f.b.State())
}

func TestResolveWouldBlockThenSuccess(t *testing.T) {
	wouldBlock := lookupResult{code: resolver.CodeWouldBlock}
	f := newFixture(t, testConfig(),
		wouldBlock, wouldBlock, wouldBlock,
		lookupResult{resolver.CodeSuccess, []netip.Addr{brokerAddr}},
	)
	f.toBearerOpen(t)
	ctx := context.Background()

	var states []State
	for range 3 {
		status := f.b.ResolveName(ctx, "broker")
		assert.Equal(t, ResolvePending, status)
		assert.False(t, status.Done())
		assert.False(t, f.b.Address().IsValid(), "address unchanged while pending")
		states = append(states, f.b.State())
	}
	assert.Equal(t, ResolveSucceeded, f.b.ResolveName(ctx, "broker"))
	states = append(states, f.b.State())

	assert.Equal(t, []State{StateResolvingDNS, StateResolvingDNS, StateResolvingDNS, StateResolved}, states)
	assert.Equal(t, brokerAddr, f.b.Address())
	assert.Equal(t, 4, f.resolver.calls)

	// A late asynchronous answer must not assign a second address.
	f.resolver.cb([]netip.Addr{netip.MustParseAddr("10.9.9.9")}, resolver.CodeSuccess)
	assert.Equal(t, brokerAddr, f.b.Address())
	assert.Equal(t, StateResolved, f.b.State())

	assert.Equal(t, ResolveSucceeded, f.b.ResolveName(ctx, "broker"))
	assert.Equal(t, 4, f.resolver.calls, "resolved state does not query again")
}

func TestResolveAsyncCallback(t *testing.T) {
	f := newFixture(t, testConfig(), lookupResult{code: resolver.CodeWouldBlock})
	f.toBearerOpen(t)

	require.Equal(t, ResolvePending, f.b.ResolveName(context.Background(), "broker"))
	f.resolver.cb([]netip.Addr{brokerAddr}, resolver.CodeSuccess)

	assert.Equal(t, StateResolved, f.b.State())
	assert.Equal(t, brokerAddr, f.b.Address())
}

func TestResolveHardFailures(t *testing.T) {
	codes := []resolver.Code{
		resolver.CodeInvalidArgs,
		resolver.CodeError,
		resolver.CodeLimitResource,
		resolver.CodeInvalidAccount,
	}

	for _, code := range codes {
		t.Run(code.String(), func(t *testing.T) {
			f := newFixture(t, testConfig(), lookupResult{code: code})
			f.toBearerOpen(t)

			status := f.b.ResolveName(context.Background(), "broker")
			assert.Equal(t, ResolveFailed, status)
			assert.True(t, status.Done())
			assert.False(t, f.b.Address().IsValid())
			assert.Equal(t, StateFailed, f.b.State())
			assert.ErrorIs(t, f.b.Err(), ErrResolveFailed)
		})
	}
}

func TestResolvePositiveCodeIsPending(t *testing.T) {
	f := newFixture(t, testConfig(), lookupResult{code: resolver.Code(3)})
	f.toBearerOpen(t)
	assert.Equal(t, ResolvePending, f.b.ResolveName(context.Background(), "broker"))
	assert.Equal(t, StateResolvingDNS, f.b.State())
}

func TestResolveEmptyAnswer(t *testing.T) {
	f := newFixture(t, testConfig(), lookupResult{code: resolver.CodeSuccess})
	f.toBearerOpen(t)
	assert.Equal(t, ResolveFailed, f.b.ResolveName(context.Background(), "broker"))
	assert.Equal(t, StateFailed, f.b.State())
}

func TestResolveOutOfOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.Equal(t, ResolveFailed, f.b.ResolveName(context.Background(), "broker"))
	assert.Equal(t, StateIdle, f.b.State())
	assert.Equal(t, 0, f.resolver.calls)
}

func TestConnectFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.toBearerOpen(t)
	require.Equal(t, ResolveSucceeded, f.b.ResolveName(context.Background(), "broker"))

	boom := errors.New("tls: handshake failure")
	f.session.connectErr = boom
	err := f.b.Connect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, f.b.State())
	assert.False(t, f.b.Connected())
}

func TestConnectLegacyResult(t *testing.T) {
	cfg := testConfig()
	cfg.LegacyConnectResult = true
	f := newFixture(t, cfg)
	f.toBearerOpen(t)
	require.Equal(t, ResolveSucceeded, f.b.ResolveName(context.Background(), "broker"))

	boom := errors.New("tls: handshake failure")
	f.session.connectErr = boom
	before := testutil.ToFloat64(metrics.ConnectionsTotal.WithLabelValues("failed"))

	assert.NoError(t, f.b.Connect(context.Background()))
	assert.Equal(t, StateConnected, f.b.State(), "legacy mode reports the failed connect as connected")
	assert.ErrorIs(t, f.b.Err(), boom)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ConnectionsTotal.WithLabelValues("failed")))

	f.b.Reset(context.Background())
	assert.NoError(t, f.b.Err())
}

func TestConnectOutOfOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.ErrorIs(t, f.b.Connect(context.Background()), ErrInvalidState)
	assert.Nil(t, f.session.params)
}

func TestConnectPassesDisconnectCallback(t *testing.T) {
	cfg := testConfig()
	called := 0
	cfg.OnDisconnect = func() { called++ }
	cfg.ThingName = ""
	f := newFixture(t, cfg)
	f.toBearerOpen(t)
	require.Equal(t, ResolveSucceeded, f.b.ResolveName(context.Background(), "broker"))
	require.NoError(t, f.b.Connect(context.Background()))

	assert.Equal(t, "client-1", f.session.params.ClientID)
	require.NotNil(t, f.session.params.OnDisconnect)
	assert.Equal(t, 0, called, "never invoked by bring-up itself")
	f.session.params.OnDisconnect()
	assert.Equal(t, 1, called)
}

func TestReset(t *testing.T) {
	f := newFixture(t, testConfig())
	f.toBearerOpen(t)
	require.Equal(t, ResolveSucceeded, f.b.ResolveName(context.Background(), "broker"))
	require.NoError(t, f.b.Connect(context.Background()))

	f.b.Reset(context.Background())
	assert.Equal(t, StateIdle, f.b.State())
	assert.False(t, f.b.Address().IsValid())
	assert.Equal(t, bearer.HandleError, f.b.Handle())
	assert.Equal(t, 1, f.session.disconnected)
	assert.Equal(t, 1, f.opener.closed)

	// A second attempt runs from the start.
	f.toBearerOpen(t)

	f.b.Reset(context.Background())
	f.b.Reset(context.Background())
	assert.Equal(t, StateIdle, f.b.State())
}

func TestResetFromFailed(t *testing.T) {
	f := newFixture(t, testConfig(), lookupResult{code: resolver.CodeError})
	f.toBearerOpen(t)
	require.Equal(t, ResolveFailed, f.b.ResolveName(context.Background(), "broker"))

	f.b.Reset(context.Background())
	assert.Equal(t, StateIdle, f.b.State())
	assert.NoError(t, f.b.Err())
}

func TestResolveStatusString(t *testing.T) {
	assert.Equal(t, "pending", ResolvePending.String())
	assert.Equal(t, "succeeded", ResolveSucceeded.String())
	assert.Equal(t, "failed", ResolveFailed.String())
}
