package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/autopeer-io/linkup/pkg/log"
)

// protocolVersion311 is the CONNECT protocol level for MQTT 3.1.1.
const protocolVersion311 = 4

// disconnectQuiesce is how long Disconnect waits for in-flight work, in ms.
const disconnectQuiesce = 250

var routePahoLogsOnce sync.Once

// pahoV3Session speaks MQTT 3.1.1 through paho.mqtt.golang.
//
// paho delivers messages and connection-lost events on its own goroutines;
// both are forwarded to the dispatch queue.
type pahoV3Session struct {
	queue  Dispatcher
	client pahomqtt.Client
	params *ConnectParams

	// newClient is swapped in tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

func newPahoV3Session(queue Dispatcher) *pahoV3Session {
	routePahoLogsOnce.Do(func() {
		pahomqtt.ERROR = log.NewPrintfLogger(log.WithName("paho"), true)
		pahomqtt.CRITICAL = log.NewPrintfLogger(log.WithName("paho"), true)
		pahomqtt.DEBUG = log.NewPrintfLogger(log.WithName("paho"), false)
	})

	return &pahoV3Session{
		queue:     queue,
		newClient: pahomqtt.NewClient,
	}
}

func (s *pahoV3Session) Connect(ctx context.Context, p *ConnectParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	tlsCfg, err := NewTLSConfig(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	opts := buildClientOptions(p, tlsCfg)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Error(err, "MQTT connection lost", "broker", p.Host)
		if p.OnDisconnect != nil {
			if postErr := s.queue.Post(p.OnDisconnect); postErr != nil {
				log.Error(postErr, "Dropped disconnect notification")
			}
		}
	})

	client := s.newClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, p.CommandTimeout); err != nil {
		// The handshake may still complete in the background.
		client.Disconnect(0)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	s.client = client
	s.params = p
	log.Info("MQTT session established", "broker", p.DialAddress(), "clientID", p.ClientID, "protocol", Protocol311)
	return nil
}

func (s *pahoV3Session) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	if err := validatePublish(topic, qos); err != nil {
		return err
	}
	if !s.connected() {
		return ErrNotConnected
	}

	token := s.client.Publish(topic, byte(qos), retain, payload)
	if err := waitToken(ctx, token, s.params.CommandTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (s *pahoV3Session) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) error {
	if err := validatePublish(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !s.connected() {
		return ErrNotConnected
	}

	token := s.client.Subscribe(topic, byte(qos), s.forward(handler))
	if err := waitToken(ctx, token, s.params.CommandTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (s *pahoV3Session) Yield(ctx context.Context, timeout time.Duration) error {
	s.queue.Drain(ctx, timeout)
	return ctx.Err()
}

func (s *pahoV3Session) Disconnect(context.Context) {
	if s.client == nil {
		return
	}
	s.client.Disconnect(disconnectQuiesce)
	s.client = nil
	log.Info("MQTT session closed")
}

func (s *pahoV3Session) connected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

// forward copies the message out of paho and queues the handler call.
func (s *pahoV3Session) forward(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		payload := append([]byte(nil), msg.Payload()...)
		if err := s.queue.Post(func() { handler(context.Background(), topic, payload) }); err != nil {
			log.Error(err, "Dropped inbound message", "topic", topic)
		}
	}
}

// buildClientOptions maps ConnectParams onto paho options. Reconnection is
// disabled: recovering a lost session is the bring-up loop's job.
func buildClientOptions(p *ConnectParams, tlsCfg *tls.Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker("ssl://" + p.DialAddress())
	opts.SetClientID(p.ClientID)
	opts.SetProtocolVersion(protocolVersion311)
	opts.SetCleanSession(p.CleanSession)
	opts.SetKeepAlive(p.KeepAlive)
	opts.SetPingTimeout(p.KeepAlive)
	opts.SetConnectTimeout(p.HandshakeTimeout)
	opts.SetWriteTimeout(p.CommandTimeout)
	opts.SetDialer(&net.Dialer{Timeout: p.HandshakeTimeout})
	opts.SetTLSConfig(tlsCfg)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	return opts
}

// waitToken waits for token for at most timeout, or until ctx is done.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
