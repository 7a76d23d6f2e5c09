package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/linkup/pkg/log"
)

// pahoV5Session speaks MQTT 5 through paho.golang.
type pahoV5Session struct {
	queue    Dispatcher
	client   *paho.Client
	params   *ConnectParams
	notifier *disconnectNotifier

	// subscriptions maps topic filter to subscriptionEntry.
	subscriptions sync.Map

	// dial is swapped in tests.
	dial func(ctx context.Context, addr string, cfg *tls.Config, timeout time.Duration) (net.Conn, error)
}

type subscriptionEntry struct {
	topic   string
	qos     QoS
	handler MessageHandler
}

func newPahoV5Session(queue Dispatcher) *pahoV5Session {
	return &pahoV5Session{
		queue: queue,
		dial:  dialTLS,
	}
}

func dialTLS(ctx context.Context, addr string, cfg *tls.Config, timeout time.Duration) (net.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    cfg,
	}
	return d.DialContext(ctx, "tcp", addr)
}

func (s *pahoV5Session) Connect(ctx context.Context, p *ConnectParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	tlsCfg, err := NewTLSConfig(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	conn, err := s.dial(ctx, p.DialAddress(), tlsCfg, p.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, p.DialAddress(), err)
	}

	notifier := &disconnectNotifier{queue: s.queue, notify: p.OnDisconnect}
	client := paho.NewClient(paho.ClientConfig{
		ClientID:      p.ClientID,
		Conn:          conn,
		PacketTimeout: p.CommandTimeout,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			s.router,
		},
		OnClientError:      notifier.onClientError,
		OnServerDisconnect: notifier.onServerDisconnect,
	})

	cctx, cancel := context.WithTimeout(ctx, p.CommandTimeout)
	defer cancel()

	ack, err := client.Connect(cctx, &paho.Connect{
		ClientID:   p.ClientID,
		KeepAlive:  p.keepAliveSeconds(),
		CleanStart: p.CleanSession,
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if ack.ReasonCode != 0 {
		_ = conn.Close()
		return fmt.Errorf("%w: connack reason code %d", ErrConnectionFailed, ack.ReasonCode)
	}

	notifier.armed.Store(true)
	s.client = client
	s.params = p
	s.notifier = notifier
	log.Info("MQTT session established", "broker", p.DialAddress(), "clientID", p.ClientID, "protocol", Protocol5)
	return nil
}

func (s *pahoV5Session) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	if err := validatePublish(topic, qos); err != nil {
		return err
	}
	if s.client == nil {
		return ErrNotConnected
	}

	pctx, cancel := context.WithTimeout(ctx, s.params.CommandTimeout)
	defer cancel()

	resp, err := s.client.Publish(pctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	// 0x10: accepted, no matching subscribers.
	if resp != nil && resp.ReasonCode != 0 && resp.ReasonCode != 0x10 {
		return fmt.Errorf("%w: reason code %d", ErrPublishFailed, resp.ReasonCode)
	}
	return nil
}

func (s *pahoV5Session) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) error {
	if err := validatePublish(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if s.client == nil {
		return ErrNotConnected
	}

	s.subscriptions.Store(topic, subscriptionEntry{topic: topic, qos: qos, handler: handler})

	sctx, cancel := context.WithTimeout(ctx, s.params.CommandTimeout)
	defer cancel()

	ack, err := s.client.Subscribe(sctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: byte(qos)},
		},
	})
	if err != nil {
		s.subscriptions.Delete(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	if ack != nil && len(ack.Reasons) > 0 && ack.Reasons[0] > byte(ExactlyOnce) {
		s.subscriptions.Delete(topic)
		return fmt.Errorf("%w: suback reason code %d", ErrSubscribeFailed, ack.Reasons[0])
	}
	return nil
}

func (s *pahoV5Session) Yield(ctx context.Context, timeout time.Duration) error {
	s.queue.Drain(ctx, timeout)
	return ctx.Err()
}

func (s *pahoV5Session) Disconnect(context.Context) {
	if s.client == nil {
		return
	}
	s.notifier.armed.Store(false)
	s.notifier = nil
	_ = s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	s.client = nil
	s.subscriptions.Clear()
	log.Info("MQTT session closed")
}

// disconnectNotifier belongs to one paho client. Its callbacks run on paho's
// goroutines and only touch the queue and the armed flag.
type disconnectNotifier struct {
	queue  Dispatcher
	notify func()
	// armed is set once the connection is established and cleared on an
	// explicit Disconnect.
	armed atomic.Bool
}

func (n *disconnectNotifier) onClientError(err error) {
	log.Error(err, "MQTT client error")
	n.post()
}

func (n *disconnectNotifier) onServerDisconnect(d *paho.Disconnect) {
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	log.Warn("MQTT server requested disconnect", "code", d.ReasonCode, "reason", reason)
	n.post()
}

func (n *disconnectNotifier) post() {
	if n.notify == nil || !n.armed.Load() {
		return
	}
	if err := n.queue.Post(n.notify); err != nil {
		log.Error(err, "Dropped disconnect notification")
	}
}

// router queues the handler of every subscription matching the message topic.
func (s *pahoV5Session) router(p paho.PublishReceived) (bool, error) {
	topic := p.Packet.Topic
	payload := append([]byte(nil), p.Packet.Payload...)

	matched := false
	s.subscriptions.Range(func(_, value any) bool {
		entry := value.(subscriptionEntry)
		if !TopicMatches(entry.topic, topic) {
			return true
		}
		matched = true
		h := entry.handler
		if err := s.queue.Post(func() { h(context.Background(), topic, payload) }); err != nil {
			log.Error(err, "Dropped inbound message", "topic", topic)
		}
		return true
	})

	if !matched {
		log.Debug("Received message on unhandled topic", "topic", topic)
	}
	return true, nil
}
