package agent

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/linkup/internal/bearer"
	"github.com/autopeer-io/linkup/internal/bringup"
	"github.com/autopeer-io/linkup/internal/notify"
	"github.com/autopeer-io/linkup/internal/resolver"
	"github.com/autopeer-io/linkup/pkg/dispatch"
	"github.com/autopeer-io/linkup/pkg/mqtt"
	"github.com/autopeer-io/linkup/pkg/options"
)

var brokerAddr = netip.MustParseAddr("52.20.30.40")

// fakeOpener reports activation through the queue, like the link driver.
type fakeOpener struct {
	queue    *dispatch.Queue
	activate bool
	opens    int
	closed   int
}

func (o *fakeOpener) Open(_ context.Context, _ bearer.Kind, cb bearer.Callback) bearer.Handle {
	o.opens++
	if o.activate {
		_ = o.queue.Post(func() { cb(3, bearer.EventActivated, 1) })
	}
	return bearer.HandleWouldBlock
}

func (o *fakeOpener) Close() error {
	o.closed++
	return nil
}

type fakeResolver struct{}

func (fakeResolver) Lookup(context.Context, uint32, string, resolver.Callback) (resolver.Code, []netip.Addr) {
	return resolver.CodeSuccess, []netip.Addr{brokerAddr}
}

type published struct {
	topic   string
	payload []byte
}

type fakeSession struct {
	queue *dispatch.Queue

	connectErr   error
	params       *mqtt.ConnectParams
	published    []published
	subscribed   []string
	disconnected int
}

func (s *fakeSession) Connect(_ context.Context, p *mqtt.ConnectParams) error {
	s.params = p
	return s.connectErr
}

func (s *fakeSession) Publish(_ context.Context, topic string, payload []byte, _ mqtt.QoS, _ bool) error {
	s.published = append(s.published, published{topic: topic, payload: payload})
	return nil
}

func (s *fakeSession) Subscribe(_ context.Context, topic string, _ mqtt.QoS, _ mqtt.MessageHandler) error {
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *fakeSession) Yield(ctx context.Context, _ time.Duration) error {
	s.queue.Drain(ctx, 0)
	return ctx.Err()
}

func (s *fakeSession) Disconnect(context.Context) { s.disconnected++ }

type fixture struct {
	agent   *Agent
	queue   *dispatch.Queue
	opener  *fakeOpener
	session *fakeSession
	clock   time.Time
}

func testOptions() *Config {
	mqttOpts := options.NewMqttOptions()
	mqttOpts.Host = "a1b2c3-ats.iot.us-east-1.amazonaws.com"
	mqttOpts.ThingName = "sms-gateway-01"
	mqttOpts.RootCA = "ca.pem"
	mqttOpts.Cert = "cert.pem"
	mqttOpts.Key = "key.pem"

	msgOpts := options.NewMessageOptions()
	msgOpts.From = "+15550001111"

	loopOpts := options.NewLoopOptions()
	loopOpts.WatchCerts = false

	return &Config{
		MqttOptions:    mqttOpts,
		NetworkOptions: options.NewNetworkOptions(),
		MessageOptions: msgOpts,
		HttpOptions:    &options.HttpOptions{},
		LoopOptions:    loopOpts,
	}
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := testOptions()
	if mutate != nil {
		mutate(cfg)
	}

	queue := dispatch.NewQueue(16)
	f := &fixture{
		queue:   queue,
		opener:  &fakeOpener{queue: queue, activate: true},
		session: &fakeSession{queue: queue},
		clock:   time.Unix(1_700_000_000, 0),
	}

	a, err := cfg.newAgent(cfg.BringupConfig(), components{
		queue:    queue,
		opener:   f.opener,
		resolver: fakeResolver{},
		session:  f.session,
	})
	require.NoError(t, err)
	a.now = func() time.Time { return f.clock }
	f.agent = a
	return f
}

// iterate runs one poll loop iteration.
func (f *fixture) iterate(t *testing.T) error {
	t.Helper()
	if err := f.agent.step(context.Background()); err != nil {
		return err
	}
	require.NoError(t, f.agent.pump.Pump(context.Background(), 0))
	return nil
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	for i := 0; i < 10 && !f.agent.bringup.Connected(); i++ {
		require.NoError(t, f.iterate(t))
	}
	require.True(t, f.agent.bringup.Connected())
}

func TestPollLoopBringsUpConnection(t *testing.T) {
	f := newFixture(t, nil)

	f.connect(t)
	require.NoError(t, f.iterate(t))

	require.NotNil(t, f.session.params)
	assert.Equal(t, "52.20.30.40:8883", f.session.params.DialAddress())
	assert.Equal(t, "sms-gateway-01", f.session.params.ClientID)
	assert.Equal(t, []string{"twilio/sms/incoming/sms-gateway-01"}, f.session.subscribed)
	assert.Equal(t, 0, f.agent.attempts)

	// Further iterations neither resubscribe nor reconnect.
	require.NoError(t, f.iterate(t))
	assert.Len(t, f.session.subscribed, 1)
	assert.Equal(t, 1, f.opener.opens)
}

func TestPollLoopSkipsSubscriptionWhenDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MessageOptions.SubscribeIncoming = false })

	f.connect(t)
	require.NoError(t, f.iterate(t))
	assert.Empty(t, f.session.subscribed)
}

func TestPollLoopGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LoopOptions.MaxAttempts = 2 })
	f.session.connectErr = errors.New("tls: handshake failure")

	var err error
	for i := 0; i < 50 && err == nil; i++ {
		err = f.iterate(t)
		f.clock = f.clock.Add(6 * time.Second)
	}

	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorContains(t, err, "tls: handshake failure")
	assert.Equal(t, 2, f.opener.opens)
	assert.Equal(t, bringup.StateIdle, f.agent.bringup.State())
}

func TestPollLoopWaitsRetryIntervalAfterFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.session.connectErr = errors.New("connection refused")

	for i := 0; i < 10 && f.agent.bringup.State() != bringup.StateFailed; i++ {
		require.NoError(t, f.iterate(t))
	}
	require.Equal(t, bringup.StateFailed, f.agent.bringup.State())

	require.NoError(t, f.iterate(t))
	assert.Equal(t, bringup.StateFailed, f.agent.bringup.State(), "retry before interval elapsed")

	f.clock = f.clock.Add(5 * time.Second)
	require.NoError(t, f.iterate(t))
	assert.Equal(t, bringup.StateIdle, f.agent.bringup.State())
	assert.Equal(t, 1, f.opener.closed)
}

func TestPollLoopRetriesAfterLegacyConnectFailure(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MqttOptions.LegacyConnectResult = true })
	f.session.connectErr = errors.New("tls: handshake failure")

	f.connect(t)
	require.NoError(t, f.iterate(t))
	assert.Empty(t, f.session.subscribed)
	assert.False(t, f.agent.ready())

	f.clock = f.clock.Add(5 * time.Second)
	require.NoError(t, f.iterate(t))
	assert.Equal(t, bringup.StateIdle, f.agent.bringup.State())
	assert.Equal(t, 1, f.opener.closed)

	f.session.connectErr = nil
	f.connect(t)
	require.NoError(t, f.iterate(t))
	assert.Equal(t, 2, f.opener.opens)
	assert.Equal(t, []string{"twilio/sms/incoming/sms-gateway-01"}, f.session.subscribed)
	assert.True(t, f.agent.ready())
}

func TestPollLoopExhaustsAttemptsWithLegacyConnectResult(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.MqttOptions.LegacyConnectResult = true
		c.LoopOptions.MaxAttempts = 2
	})
	f.session.connectErr = errors.New("tls: handshake failure")

	var err error
	for i := 0; i < 50 && err == nil; i++ {
		err = f.iterate(t)
		f.clock = f.clock.Add(6 * time.Second)
	}

	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorContains(t, err, "tls: handshake failure")
	assert.Equal(t, 2, f.opener.opens)
	assert.Empty(t, f.session.subscribed)
}

func TestPollLoopRestartsOnConnectionLost(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)
	require.NoError(t, f.iterate(t))

	require.NoError(t, f.queue.Post(f.session.params.OnDisconnect))
	require.NoError(t, f.agent.pump.Pump(context.Background(), 0))
	require.NoError(t, f.iterate(t))

	assert.Equal(t, bringup.StateIdle, f.agent.bringup.State())
	assert.False(t, f.agent.bringup.Address().IsValid())
	assert.Equal(t, 1, f.session.disconnected)

	f.connect(t)
	require.NoError(t, f.iterate(t))
	assert.Len(t, f.session.subscribed, 2, "subscription is renewed on the new session")
}

func TestPollLoopRestartsOnCertificateChange(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	require.NoError(t, f.queue.Post(f.agent.onCertsChanged))
	require.NoError(t, f.agent.pump.Pump(context.Background(), 0))
	require.NoError(t, f.iterate(t))

	assert.Equal(t, bringup.StateIdle, f.agent.bringup.State())
	assert.False(t, f.agent.certsChanged)
}

func TestPollLoopAbandonsStalledStage(t *testing.T) {
	f := newFixture(t, nil)
	f.opener.activate = false

	require.NoError(t, f.iterate(t))
	require.NoError(t, f.iterate(t))
	require.Equal(t, bringup.StateBearerOpening, f.agent.bringup.State())

	f.clock = f.clock.Add(61 * time.Second)
	require.NoError(t, f.iterate(t))

	assert.Equal(t, bringup.StateIdle, f.agent.bringup.State())
	require.Error(t, f.agent.lastFailure)
	assert.Contains(t, f.agent.lastFailure.Error(), "bearer_opening timed out")
}

func TestSendPublishesNotification(t *testing.T) {
	f := newFixture(t, nil)

	err := f.agent.Send(context.Background(), "+15551234567", "", "Door opened", "https://example.com/cam.jpg")
	require.NoError(t, err)

	require.Len(t, f.session.published, 1)
	assert.Equal(t, "twilio/sms/outgoing/sms-gateway-01", f.session.published[0].topic)

	msg, err := notify.Decode(f.session.published[0].payload)
	require.NoError(t, err)
	assert.Equal(t, notify.OutboundMessage{
		To:       "+15551234567",
		From:     "+15550001111",
		Type:     notify.TypeOutgoing,
		Body:     "Door opened",
		MediaURL: "https://example.com/cam.jpg",
	}, msg)

	assert.Empty(t, f.session.subscribed)
	assert.Equal(t, bringup.StateIdle, f.agent.bringup.State())
	assert.Equal(t, 1, f.session.disconnected)
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	f := newFixture(t, nil)

	err := f.agent.Send(context.Background(), "+15551234567", "", strings.Repeat("x", 200), strings.Repeat("y", 100))
	require.ErrorIs(t, err, notify.ErrMessageTooLarge)
	assert.Zero(t, f.opener.opens)
	assert.Empty(t, f.session.published)
}

func TestSendHonoursContext(t *testing.T) {
	f := newFixture(t, nil)
	f.opener.activate = false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.agent.Send(ctx, "+15551234567", "", "hello", "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.session.published)
}

func TestRunReturnsWhenAttemptsExhausted(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.LoopOptions.MaxAttempts = 1
		c.LoopOptions.RetryInterval = 0
	})
	f.session.connectErr = errors.New("not authorized")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := f.agent.Run(ctx)
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, bringup.StateIdle, f.agent.bringup.State())
}

func TestHandleIncoming(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{
			name:    "notification",
			payload: `{"To":"+15550001111","From":"+15551234567","Type":"Incoming","Body":"STOP"}`,
			want:    []string{"Notification received", `"from"="+15551234567"`},
		},
		{
			name:    "malformed",
			payload: `{"To":`,
			want:    []string{"Discarding malformed notification"},
		},
	}

	f := newFixture(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []string
			logger := funcr.New(func(prefix, args string) {
				lines = append(lines, args)
			}, funcr.Options{})

			ctx := logr.NewContext(context.Background(), logger)
			f.agent.handleIncoming(ctx, "twilio/sms/incoming/sms-gateway-01", []byte(tt.payload))

			require.Len(t, lines, 1)
			for _, w := range tt.want {
				assert.Contains(t, lines[0], w)
			}
		})
	}
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.publishStatus()
	assert.Equal(t, "idle", f.agent.Status().State)
	assert.False(t, f.agent.Status().Connected)

	f.connect(t)
	f.agent.publishStatus()

	st := f.agent.Status()
	assert.Equal(t, "sms-gateway-01", st.Identity)
	assert.Equal(t, "connected", st.State)
	assert.True(t, st.Connected)
	assert.Equal(t, "52.20.30.40", st.Address)
	assert.Empty(t, st.LastError)
}

func TestBringupConfigFromOptions(t *testing.T) {
	cfg := testOptions()
	cfg.NetworkOptions.Transport = options.TransportCellular
	cfg.MqttOptions.Protocol = "5"
	cfg.MqttOptions.LegacyConnectResult = true

	bcfg := cfg.BringupConfig()
	assert.Equal(t, bearer.KindCellular, bcfg.Transport)
	assert.Equal(t, mqtt.Protocol5, bcfg.Protocol)
	assert.Equal(t, "sms-gateway-01", bcfg.ClientIdentifier())
	assert.True(t, bcfg.LegacyConnectResult)
	assert.True(t, bcfg.VerifyHostname)
	assert.NoError(t, bcfg.Validate())
}
