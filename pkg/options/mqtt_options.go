package options

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/autopeer-io/linkup/pkg/mqtt"
	"github.com/autopeer-io/linkup/pkg/mqtt/topic"
)

var _ IOptions = (*MqttOptions)(nil)

// MqttOptions contains the broker connection and topic settings.
type MqttOptions struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`

	// ClientID is used when ThingName is empty.
	ClientID string `json:"client-id" mapstructure:"client-id"`
	// ThingName is the identity the device is registered under at the broker.
	ThingName string `json:"thing-name" mapstructure:"thing-name"`

	RootCA string `json:"root-ca" mapstructure:"root-ca"`
	Cert   string `json:"cert" mapstructure:"cert"`
	Key    string `json:"key" mapstructure:"key"`

	Protocol string `json:"protocol" mapstructure:"protocol"`

	// VerifyHostname requires the broker certificate to name Host.
	VerifyHostname bool `json:"verify-hostname" mapstructure:"verify-hostname"`

	// LegacyConnectResult reports a failed connect as success, the way
	// early firmware did. Only for fleets that depend on it.
	LegacyConnectResult bool `json:"legacy-connect-result" mapstructure:"legacy-connect-result"`

	// TopicRoot prefixes every topic: {TopicRoot}/sms/outgoing/{thing}.
	TopicRoot string `json:"topic-root" mapstructure:"topic-root"`
}

// NewMqttOptions creates a new MqttOptions with default values.
func NewMqttOptions() *MqttOptions {
	return &MqttOptions{
		Port:           8883,
		ClientID:       "linkup-" + uuid.NewString()[:8],
		Protocol:       string(mqtt.Protocol311),
		VerifyHostname: true,
		TopicRoot:      topic.DefaultRoot,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *MqttOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.Host == "" {
		errors = append(errors, fmt.Errorf("--mqtt.host is required"))
	}
	if o.Port <= 0 || o.Port > 65535 {
		errors = append(errors, fmt.Errorf("--mqtt.port %d out of range 1-65535", o.Port))
	}
	if o.ClientID == "" && o.ThingName == "" {
		errors = append(errors, fmt.Errorf("one of --mqtt.client-id or --mqtt.thing-name is required"))
	}
	if o.RootCA == "" || o.Cert == "" || o.Key == "" {
		errors = append(errors, fmt.Errorf("--mqtt.root-ca, --mqtt.cert and --mqtt.key are required"))
	}
	switch mqtt.ProtocolVersion(o.Protocol) {
	case mqtt.Protocol311, mqtt.Protocol5:
	default:
		errors = append(errors, fmt.Errorf("--mqtt.protocol must be %q or %q, got %q", mqtt.Protocol311, mqtt.Protocol5, o.Protocol))
	}

	return errors
}

// AddFlags adds flags for MqttOptions to the specified FlagSet.
func (o *MqttOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Host, "mqtt.host", o.Host, "Broker host name, resolved over the active bearer.")
	fs.IntVar(&o.Port, "mqtt.port", o.Port, "Broker TLS port.")
	fs.StringVar(&o.ClientID, "mqtt.client-id", o.ClientID, "MQTT client identifier, used when --mqtt.thing-name is empty.")
	fs.StringVar(&o.ThingName, "mqtt.thing-name", o.ThingName, "Device identity registered at the broker. Also names the device topics.")

	fs.StringVar(&o.RootCA, "mqtt.root-ca", o.RootCA, "Path to the root CA certificate (PEM).")
	fs.StringVar(&o.Cert, "mqtt.cert", o.Cert, "Path to the device certificate (PEM).")
	fs.StringVar(&o.Key, "mqtt.key", o.Key, "Path to the device private key (PEM).")

	fs.StringVar(&o.Protocol, "mqtt.protocol", o.Protocol, "MQTT protocol version: 3.1.1 or 5.")
	fs.BoolVar(&o.VerifyHostname, "mqtt.verify-hostname", o.VerifyHostname, "Require the broker certificate to match --mqtt.host.")
	fs.BoolVar(&o.LegacyConnectResult, "mqtt.legacy-connect-result", o.LegacyConnectResult, "Treat a failed MQTT connect as success (legacy firmware behaviour).")

	fs.StringVar(&o.TopicRoot, "mqtt.topic-root", o.TopicRoot, "Namespace prefixed to every topic.")
}

// Identity returns the name the device uses at the broker and in its topics.
func (o *MqttOptions) Identity() string {
	if o.ThingName != "" {
		return o.ThingName
	}
	return o.ClientID
}
