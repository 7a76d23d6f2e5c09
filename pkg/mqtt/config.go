package mqtt

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Fixed session parameters used by the device.
const (
	// DefaultKeepAlive is the MQTT keep-alive interval. The keepalive pump
	// must run at least this often.
	DefaultKeepAlive = 10 * time.Second

	// DefaultCommandTimeout bounds each MQTT request/acknowledge exchange.
	DefaultCommandTimeout = 20 * time.Second

	// DefaultHandshakeTimeout bounds the TCP dial and TLS handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	maxQoS = ExactlyOnce
)

// ConnectParams is the full parameter set for Session.Connect.
type ConnectParams struct {
	// Host is the broker host name. It is used for TLS server name
	// verification and, when Address is unset, for dialing.
	Host string

	// Address is the resolved broker address. When valid it is dialed
	// instead of Host.
	Address netip.Addr

	Port     int
	ClientID string

	RootCAPath string
	CertPath   string
	KeyPath    string

	KeepAlive        time.Duration
	CleanSession     bool
	Protocol         ProtocolVersion
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	VerifyHostname   bool

	// OnDisconnect runs, through the dispatch queue, when an established
	// session is lost. It is never called for a Disconnect the caller asked for.
	OnDisconnect func()
}

// NewConnectParams returns params carrying the fixed session settings.
func NewConnectParams() *ConnectParams {
	return &ConnectParams{
		KeepAlive:        DefaultKeepAlive,
		CleanSession:     true,
		Protocol:         Protocol311,
		CommandTimeout:   DefaultCommandTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		VerifyHostname:   true,
	}
}

// Validate checks the fields every backend relies on.
func (p *ConnectParams) Validate() error {
	if p.Host == "" && !p.Address.IsValid() {
		return fmt.Errorf("%w: broker host or address is required", ErrInvalidParameters)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidParameters, p.Port)
	}
	if p.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidParameters)
	}
	if p.RootCAPath == "" || p.CertPath == "" || p.KeyPath == "" {
		return fmt.Errorf("%w: root CA, certificate and key paths are required", ErrInvalidParameters)
	}
	if p.KeepAlive < time.Second {
		return fmt.Errorf("%w: keep-alive %s below one second", ErrInvalidParameters, p.KeepAlive)
	}
	return nil
}

// DialAddress returns the host:port the backend connects to.
func (p *ConnectParams) DialAddress() string {
	host := p.Host
	if p.Address.IsValid() {
		host = p.Address.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// keepAliveSeconds converts KeepAlive to the whole seconds carried in CONNECT.
func (p *ConnectParams) keepAliveSeconds() uint16 {
	s := p.KeepAlive / time.Second
	if s > 0xFFFF {
		return 0xFFFF
	}
	return uint16(s)
}

func validatePublish(topic string, qos QoS) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
