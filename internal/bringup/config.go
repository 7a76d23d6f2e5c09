package bringup

import (
	"errors"
	"fmt"

	"github.com/autopeer-io/linkup/internal/bearer"
	"github.com/autopeer-io/linkup/pkg/mqtt"
)

// Config holds the connection parameters of one device. It is built once and
// not modified after it is handed to New.
type Config struct {
	Host     string
	Port     int
	ClientID string

	// ThingName is the identity registered at the broker. When set it is
	// sent as the MQTT client identifier instead of ClientID.
	ThingName string

	RootCAPath string
	CertPath   string
	KeyPath    string

	Transport bearer.Kind

	// OnDisconnect is passed through to the MQTT session and run when an
	// established session drops. Optional.
	OnDisconnect func()

	Protocol       mqtt.ProtocolVersion
	VerifyHostname bool

	// LegacyConnectResult makes Connect report success even when the
	// session could not be established. The error is only logged.
	LegacyConnectResult bool
}

// Validate checks that every field needed by the three stages is present.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("broker host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ClientIdentifier() == "" {
		errs = append(errs, errors.New("client id or thing name is required"))
	}
	if c.RootCAPath == "" || c.CertPath == "" || c.KeyPath == "" {
		errs = append(errs, errors.New("root CA, certificate and key paths are required"))
	}
	if c.Transport != bearer.KindWLAN && c.Transport != bearer.KindCellular {
		errs = append(errs, fmt.Errorf("unknown transport %s", c.Transport))
	}
	return errors.Join(errs...)
}

// ClientIdentifier returns the MQTT client identifier sent to the broker.
func (c *Config) ClientIdentifier() string {
	if c.ThingName != "" {
		return c.ThingName
	}
	return c.ClientID
}
