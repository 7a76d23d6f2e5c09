package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*MessageOptions)(nil)

const (
	defaultFrameCapacity = 512
	minFrameCapacity     = 64
	maxFrameCapacity     = 64 * 1024
)

// MessageOptions configures notification framing.
type MessageOptions struct {
	// FrameCapacity is the fixed size of the serialized message buffer.
	// Body plus media URL may use at most half of it.
	FrameCapacity int `json:"frame-capacity" mapstructure:"frame-capacity"`

	// From is the default sender number for outbound messages.
	From string `json:"from" mapstructure:"from"`

	// SubscribeIncoming subscribes to the device's inbound topic once connected.
	SubscribeIncoming bool `json:"subscribe-incoming" mapstructure:"subscribe-incoming"`
}

// NewMessageOptions creates a MessageOptions object with default parameters.
func NewMessageOptions() *MessageOptions {
	return &MessageOptions{
		FrameCapacity:     defaultFrameCapacity,
		SubscribeIncoming: true,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *MessageOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errors []error
	if o.FrameCapacity < minFrameCapacity || o.FrameCapacity > maxFrameCapacity {
		errors = append(errors, fmt.Errorf("--message.frame-capacity %d out of range %d-%d",
			o.FrameCapacity, minFrameCapacity, maxFrameCapacity))
	}
	return errors
}

// AddFlags adds flags for MessageOptions to the specified FlagSet.
func (o *MessageOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.FrameCapacity, "message.frame-capacity", o.FrameCapacity, "Size in bytes of the outbound message frame.")
	fs.StringVar(&o.From, "message.from", o.From, "Default sender phone number.")
	fs.BoolVar(&o.SubscribeIncoming, "message.subscribe-incoming", o.SubscribeIncoming, "Subscribe to the device's incoming topic.")
}
