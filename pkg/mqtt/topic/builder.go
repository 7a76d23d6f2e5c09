package topic

import (
	"fmt"
	"strings"
)

// Topic segments shared by the device and the cloud function that relays
// notifications to the SMS provider. Changing them breaks deployed devices.
const (
	// SuffixOutgoing carries notification requests (Device -> Cloud).
	// Structure: {root}/sms/outgoing/{thing}
	SuffixOutgoing = "sms/outgoing"

	// SuffixIncoming carries inbound messages addressed to the device
	// (Cloud -> Device).
	// Structure: {root}/sms/incoming/{thing}
	SuffixIncoming = "sms/incoming"
)

// TopicBuilder constructs MQTT topic strings under one root namespace.
type TopicBuilder struct {
	root string
}

// NewTopicBuilder returns a builder for root. An empty root uses DefaultRoot;
// surrounding slashes are dropped.
func NewTopicBuilder(root string) *TopicBuilder {
	root = strings.Trim(root, "/")
	if root == "" {
		root = DefaultRoot
	}
	return &TopicBuilder{root: root}
}

// Root returns the namespace every topic starts with.
func (b *TopicBuilder) Root() string {
	return b.root
}

// Outgoing returns the topic a device publishes notification requests to.
func (b *TopicBuilder) Outgoing(thing string) string {
	return b.Build(SuffixOutgoing, thing)
}

// Incoming returns the topic a device receives inbound messages on.
func (b *TopicBuilder) Incoming(thing string) string {
	return b.Build(SuffixIncoming, thing)
}

// IncomingWildcard matches inbound messages for every device.
// Result: {root}/sms/incoming/+
func (b *TopicBuilder) IncomingWildcard() string {
	return b.Build(SuffixIncoming, Wildcard)
}

// Build joins root, segment and identifier.
// Pattern: {root}/{segment}/{identifier}
func (b *TopicBuilder) Build(segment, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, strings.Trim(segment, "/"), id)
}
