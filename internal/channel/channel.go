// Package channel publishes and subscribes on a connected MQTT session at
// QoS 0, the only delivery level the device uses.
package channel

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/autopeer-io/linkup/internal/pkg/metrics"
	"github.com/autopeer-io/linkup/pkg/log"
	"github.com/autopeer-io/linkup/pkg/mqtt"
)

// Handler processes a message received on a subscribed topic. The logger
// carried by ctx is tagged with the topic.
type Handler = mqtt.MessageHandler

// Publisher is implemented by Channel and consumed by the notification
// encoder.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Channel wraps a session for fire-and-forget messaging.
type Channel struct {
	session mqtt.Session
}

var _ Publisher = (*Channel)(nil)

// New returns a Channel publishing through session.
func New(session mqtt.Session) *Channel {
	return &Channel{session: session}
}

// Subscribe registers handler for topic. Failures are logged and returned;
// a failed subscription simply never delivers.
func (c *Channel) Subscribe(ctx context.Context, topic string, handler Handler) error {
	wrapped := func(ctx context.Context, t string, payload []byte) {
		metrics.MessagesArrivedTotal.Inc()
		ctx = logr.NewContext(ctx, log.Logr().WithValues("topic", t))
		handler(ctx, t, payload)
	}

	if err := c.session.Subscribe(ctx, topic, mqtt.AtMostOnce, wrapped); err != nil {
		log.Error(err, "Error subscribing", "topic", topic)
		return err
	}
	log.Info("Subscribed", "topic", topic)
	return nil
}

// Publish sends a copy of payload to topic, not retained. Failures are
// logged and returned; there is no retry.
func (c *Channel) Publish(ctx context.Context, topic string, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return c.publish(ctx, topic, buf)
}

// PublishString sends s to topic like Publish.
func (c *Channel) PublishString(ctx context.Context, topic, s string) error {
	return c.publish(ctx, topic, []byte(s))
}

func (c *Channel) publish(ctx context.Context, topic string, buf []byte) error {
	if err := c.session.Publish(ctx, topic, buf, mqtt.AtMostOnce, false); err != nil {
		metrics.PublishTotal.WithLabelValues("failed").Inc()
		log.Error(err, "Error publishing", "topic", topic, "bytes", len(buf))
		return err
	}
	metrics.PublishTotal.WithLabelValues("success").Inc()
	log.Debug("Published", "topic", topic, "bytes", len(buf))
	return nil
}
