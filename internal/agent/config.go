package agent

import (
	"fmt"

	"github.com/autopeer-io/linkup/internal/bearer"
	"github.com/autopeer-io/linkup/internal/bringup"
	"github.com/autopeer-io/linkup/internal/channel"
	"github.com/autopeer-io/linkup/internal/keepalive"
	"github.com/autopeer-io/linkup/internal/notify"
	"github.com/autopeer-io/linkup/internal/resolver"
	"github.com/autopeer-io/linkup/pkg/dispatch"
	"github.com/autopeer-io/linkup/pkg/log"
	"github.com/autopeer-io/linkup/pkg/mqtt"
	"github.com/autopeer-io/linkup/pkg/mqtt/topic"
	"github.com/autopeer-io/linkup/pkg/options"
)

type Config struct {
	MqttOptions    *options.MqttOptions
	NetworkOptions *options.NetworkOptions
	MessageOptions *options.MessageOptions
	HttpOptions    *options.HttpOptions
	LoopOptions    *options.LoopOptions
}

// BringupConfig builds the immutable connection configuration. The thing
// name falls back to DiscoverThingName when no flag sets it.
func (cfg *Config) BringupConfig() bringup.Config {
	m := cfg.MqttOptions

	thing := m.ThingName
	if thing == "" {
		thing = DiscoverThingName()
	}

	return bringup.Config{
		Host:                m.Host,
		Port:                m.Port,
		ClientID:            m.ClientID,
		ThingName:           thing,
		RootCAPath:          m.RootCA,
		CertPath:            m.Cert,
		KeyPath:             m.Key,
		Transport:           transportKind(cfg.NetworkOptions.Transport),
		Protocol:            mqtt.ProtocolVersion(m.Protocol),
		VerifyHostname:      m.VerifyHostname,
		LegacyConnectResult: m.LegacyConnectResult,
	}
}

func (cfg *Config) NewAgent() (*Agent, error) {
	queue := dispatch.NewQueue(cfg.LoopOptions.QueueCapacity)

	session, err := mqtt.NewSession(mqtt.SessionConfig{
		Protocol: mqtt.ProtocolVersion(cfg.MqttOptions.Protocol),
		Queue:    queue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mqtt session: %w", err)
	}

	opener := bearer.NewLinkOpener(queue, map[bearer.Kind]string{
		bearer.KindWLAN:     cfg.NetworkOptions.WiFiInterface,
		bearer.KindCellular: cfg.NetworkOptions.CellularInterface,
	}, cfg.NetworkOptions.LinkPollInterval)

	return cfg.newAgent(cfg.BringupConfig(), components{
		queue:    queue,
		opener:   opener,
		resolver: resolver.NewNetResolver(queue, cfg.NetworkOptions.DNSServer),
		session:  session,
	})
}

// components are the SDK implementations an Agent runs on.
type components struct {
	queue    *dispatch.Queue
	opener   bearer.Opener
	resolver resolver.Resolver
	session  mqtt.Session
}

func (cfg *Config) newAgent(bcfg bringup.Config, c components) (*Agent, error) {
	a := &Agent{
		queue:             c.queue,
		topics:            topic.NewTopicBuilder(cfg.MqttOptions.TopicRoot),
		from:              cfg.MessageOptions.From,
		subscribeIncoming: cfg.MessageOptions.SubscribeIncoming,
		loop:              *cfg.LoopOptions,
		now:               defaultClock,
	}

	bcfg.OnDisconnect = a.onDisconnect
	a.identity = bcfg.ClientIdentifier()

	var err error
	a.bringup, err = bringup.New(bcfg, c.opener, c.resolver, c.session)
	if err != nil {
		return nil, err
	}
	a.channel = channel.New(c.session)
	a.encoder = notify.NewEncoder(a.channel, cfg.MessageOptions.FrameCapacity)
	a.pump = keepalive.New(c.session)

	if cfg.HttpOptions.Addr != "" {
		a.status = NewStatusServer(cfg.HttpOptions, a)
	}
	if cfg.LoopOptions.WatchCerts {
		a.certs = newCertWatcher(c.queue, a.onCertsChanged, bcfg.RootCAPath, bcfg.CertPath, bcfg.KeyPath)
	}

	log.Info("Agent configured",
		"identity", a.identity,
		"broker", bcfg.Host,
		"transport", bcfg.Transport,
		"protocol", bcfg.Protocol,
		"statusAddr", cfg.HttpOptions.Addr,
	)
	return a, nil
}

func transportKind(transport string) bearer.Kind {
	if transport == options.TransportCellular {
		return bearer.KindCellular
	}
	return bearer.KindWLAN
}
