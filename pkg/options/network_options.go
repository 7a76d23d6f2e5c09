package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*NetworkOptions)(nil)

// Data bearer selections.
const (
	TransportWiFi     = "wifi"
	TransportCellular = "cellular"
)

// NetworkOptions selects and watches the data bearer.
type NetworkOptions struct {
	Transport string `json:"transport" mapstructure:"transport"`

	WiFiInterface     string `json:"wifi-interface" mapstructure:"wifi-interface"`
	CellularInterface string `json:"cellular-interface" mapstructure:"cellular-interface"`

	// LinkPollInterval is how often the bearer driver samples link state.
	LinkPollInterval time.Duration `json:"link-poll-interval" mapstructure:"link-poll-interval"`

	// DNSServer, when set, is queried instead of the system resolver.
	DNSServer string `json:"dns-server" mapstructure:"dns-server"`
}

// NewNetworkOptions creates a NetworkOptions object with default parameters.
func NewNetworkOptions() *NetworkOptions {
	return &NetworkOptions{
		Transport:         TransportWiFi,
		WiFiInterface:     "wlan0",
		CellularInterface: "wwan0",
		LinkPollInterval:  time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *NetworkOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errors []error

	switch o.Transport {
	case TransportWiFi:
		if o.WiFiInterface == "" {
			errors = append(errors, fmt.Errorf("--net.wifi-interface is required for wifi transport"))
		}
	case TransportCellular:
		if o.CellularInterface == "" {
			errors = append(errors, fmt.Errorf("--net.cellular-interface is required for cellular transport"))
		}
	default:
		errors = append(errors, fmt.Errorf("--net.transport must be %q or %q, got %q", TransportWiFi, TransportCellular, o.Transport))
	}
	if o.LinkPollInterval <= 0 {
		errors = append(errors, fmt.Errorf("--net.link-poll-interval must be positive"))
	}
	if o.DNSServer != "" {
		if err := ValidateAddress(o.DNSServer); err != nil {
			errors = append(errors, err)
		}
	}

	return errors
}

// AddFlags adds flags for NetworkOptions to the specified FlagSet.
func (o *NetworkOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Transport, "net.transport", o.Transport, "Data bearer to activate: wifi or cellular.")
	fs.StringVar(&o.WiFiInterface, "net.wifi-interface", o.WiFiInterface, "Network interface backing the wifi bearer.")
	fs.StringVar(&o.CellularInterface, "net.cellular-interface", o.CellularInterface, "Network interface backing the cellular bearer.")
	fs.DurationVar(&o.LinkPollInterval, "net.link-poll-interval", o.LinkPollInterval, "How often the bearer link state is sampled.")
	fs.StringVar(&o.DNSServer, "net.dns-server", o.DNSServer, "DNS server host:port. Empty uses the system resolver.")
}
