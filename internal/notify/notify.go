// Package notify frames outbound SMS/MMS notification requests as JSON and
// publishes them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/autopeer-io/linkup/internal/channel"
	"github.com/autopeer-io/linkup/internal/pkg/metrics"
	"github.com/autopeer-io/linkup/pkg/log"
)

// DefaultFrameCapacity is the size of the serialized message buffer.
const DefaultFrameCapacity = 512

// TypeOutgoing is the only message kind the device sends.
const TypeOutgoing = "Outgoing"

var (
	// ErrMessageTooLarge is returned when body and media URL together take
	// more than half the frame. Nothing is published.
	ErrMessageTooLarge = errors.New("notify: message too large for frame")
	// ErrFrameOverflow is returned when the serialized message does not fit
	// the frame. Nothing is published.
	ErrFrameOverflow = errors.New("notify: serialized message overflows frame")
	// ErrInvalidUTF8 is returned when a field is not valid UTF-8. Nothing is
	// published.
	ErrInvalidUTF8 = errors.New("notify: message is not valid UTF-8")
)

// OutboundMessage is one notification request. Field order is the wire
// order.
type OutboundMessage struct {
	To       string `json:"To"`
	From     string `json:"From"`
	Type     string `json:"Type"`
	Body     string `json:"Body"`
	MediaURL string `json:"Image,omitempty"`
}

// Encoder serializes messages into a frame allocated once and reused for
// every message. It is not safe for concurrent use.
type Encoder struct {
	pub   channel.Publisher
	frame []byte
}

// NewEncoder returns an Encoder publishing through pub with a frame of
// capacity bytes. A capacity below one uses DefaultFrameCapacity.
func NewEncoder(pub channel.Publisher, capacity int) *Encoder {
	if capacity < 1 {
		capacity = DefaultFrameCapacity
	}
	return &Encoder{
		pub:   pub,
		frame: make([]byte, 0, capacity),
	}
}

// Capacity returns the frame size.
func (e *Encoder) Capacity() int {
	return cap(e.frame)
}

// Limit returns the largest combined body and media URL length accepted.
func (e *Encoder) Limit() int {
	return cap(e.frame) / 2
}

// Send builds the notification and publishes it to topic. Messages over the
// size limit are dropped before any network call.
func (e *Encoder) Send(ctx context.Context, topic, to, from, body, mediaURL string) error {
	frame, err := e.Encode(OutboundMessage{To: to, From: from, Body: body, MediaURL: mediaURL})
	if err != nil {
		return err
	}
	return e.pub.Publish(ctx, topic, frame)
}

// Encode serializes msg into the frame and returns it. Type is always set to
// TypeOutgoing. The returned slice is only valid until the next call.
func (e *Encoder) Encode(msg OutboundMessage) ([]byte, error) {
	if n := len(msg.Body) + len(msg.MediaURL); n > e.Limit() {
		metrics.MessagesDroppedTotal.WithLabelValues("too_large").Inc()
		log.Debug("Dropping oversized message", "size", n, "limit", e.Limit())
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, n, e.Limit())
	}
	if field := invalidField(msg); field != "" {
		metrics.MessagesDroppedTotal.WithLabelValues("invalid_utf8").Inc()
		log.Debug("Dropping message with invalid UTF-8", "field", field)
		return nil, fmt.Errorf("%w: %s", ErrInvalidUTF8, field)
	}
	msg.Type = TypeOutgoing

	w := &frameWriter{buf: e.frame[:0]}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&msg); err != nil {
		if errors.Is(err, ErrFrameOverflow) {
			metrics.MessagesDroppedTotal.WithLabelValues("frame_overflow").Inc()
			log.Debug("Dropping message that overflows frame", "capacity", cap(e.frame))
		}
		return nil, err
	}
	return bytes.TrimSuffix(w.buf, []byte("\n")), nil
}

// invalidField names the first field json would have to rewrite.
func invalidField(msg OutboundMessage) string {
	switch {
	case !utf8.ValidString(msg.To):
		return "To"
	case !utf8.ValidString(msg.From):
		return "From"
	case !utf8.ValidString(msg.Body):
		return "Body"
	case !utf8.ValidString(msg.MediaURL):
		return "Image"
	}
	return ""
}

// Decode parses a notification payload.
func Decode(payload []byte) (OutboundMessage, error) {
	var msg OutboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return OutboundMessage{}, fmt.Errorf("decode notification: %w", err)
	}
	return msg, nil
}

// frameWriter appends into buf without ever growing it.
type frameWriter struct {
	buf []byte
}

func (w *frameWriter) Write(p []byte) (int, error) {
	if len(w.buf)+len(p) > cap(w.buf) {
		// The trailing newline of json.Encoder does not count.
		if len(w.buf)+len(p)-1 == cap(w.buf) && bytes.HasSuffix(p, []byte("\n")) {
			w.buf = append(w.buf, p[:len(p)-1]...)
			return len(p), nil
		}
		return 0, fmt.Errorf("%w: %d bytes, capacity %d", ErrFrameOverflow, len(w.buf)+len(p), cap(w.buf))
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}
