package mqtt

import (
	"context"
	"fmt"
	"time"
)

// MessageHandler processes a message received on a subscribed topic.
// Handlers run on the goroutine that calls Session.Yield.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// QoS is an MQTT delivery guarantee level.
type QoS byte

const (
	// AtMostOnce is fire-and-forget: no acknowledgement and no retry.
	AtMostOnce QoS = 0
	// AtLeastOnce is acknowledged delivery that may duplicate.
	AtLeastOnce QoS = 1
	// ExactlyOnce is the four-step handshake delivery.
	ExactlyOnce QoS = 2
)

// ProtocolVersion selects the MQTT protocol revision spoken to the broker.
type ProtocolVersion string

const (
	// Protocol311 is MQTT 3.1.1, spoken by the device SDK.
	Protocol311 ProtocolVersion = "3.1.1"
	// Protocol5 is MQTT 5.0.
	Protocol5 ProtocolVersion = "5"
)

// Session is the secure MQTT session the bring-up drives.
//
// Connect is only called once the bearer is up and the broker address is
// known. Errors are returned rather than swallowed; callers decide whether a
// failure is worth more than a log line.
type Session interface {
	// Connect opens the TLS connection and performs the MQTT handshake.
	Connect(ctx context.Context, params *ConnectParams) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error

	// Subscribe registers handler for topic. Matching messages are delivered
	// from within Yield.
	Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) error

	// Yield hands control to the session for up to timeout so queued
	// callbacks can run.
	Yield(ctx context.Context, timeout time.Duration) error

	// Disconnect closes the session. It is safe to call when not connected.
	Disconnect(ctx context.Context)
}

// SessionConfig selects and configures a Session backend.
type SessionConfig struct {
	Protocol ProtocolVersion

	// Queue receives every callback the backend produces.
	Queue Dispatcher
}

// Dispatcher is the part of dispatch.Queue a backend needs.
type Dispatcher interface {
	Post(fn func()) error
	Drain(ctx context.Context, timeout time.Duration) int
}

// NewSession returns the backend for cfg.Protocol.
func NewSession(cfg SessionConfig) (Session, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("mqtt session requires a dispatch queue")
	}

	switch cfg.Protocol {
	case Protocol311, "":
		return newPahoV3Session(cfg.Queue), nil
	case Protocol5:
		return newPahoV5Session(cfg.Queue), nil
	default:
		return nil, fmt.Errorf("unsupported mqtt protocol version %q", cfg.Protocol)
	}
}
