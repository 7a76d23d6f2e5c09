package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/linkup/internal/agent"
	"github.com/autopeer-io/linkup/pkg/app"
	"github.com/autopeer-io/linkup/pkg/log"
	"github.com/autopeer-io/linkup/pkg/options"
)

type AgentOptions struct {
	MqttOptions    *options.MqttOptions    `json:"mqtt" mapstructure:"mqtt"`
	NetworkOptions *options.NetworkOptions `json:"net" mapstructure:"net"`
	MessageOptions *options.MessageOptions `json:"message" mapstructure:"message"`
	HttpOptions    *options.HttpOptions    `json:"http" mapstructure:"http"`
	LoopOptions    *options.LoopOptions    `json:"agent" mapstructure:"agent"`
	Log            *log.Options            `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*AgentOptions)(nil)
	_ app.LogConfigurer       = (*AgentOptions)(nil)
)

func NewAgentOptions() *AgentOptions {
	o := &AgentOptions{
		MqttOptions:    options.NewMqttOptions(),
		NetworkOptions: options.NewNetworkOptions(),
		MessageOptions: options.NewMessageOptions(),
		HttpOptions:    options.NewHttpOptions(),
		LoopOptions:    options.NewLoopOptions(),
		Log:            log.NewOptions(),
	}

	return o
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.NetworkOptions.AddFlags(fss.FlagSet("network"))
	o.MessageOptions.AddFlags(fss.FlagSet("message"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.LoopOptions.AddFlags(fss.FlagSet("agent"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *AgentOptions) Complete() error {
	if o.MqttOptions.ThingName == "" {
		o.MqttOptions.ThingName = agent.DiscoverThingName()
	}
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.NetworkOptions.Validate()...)
	errs = append(errs, o.MessageOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.LoopOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AgentOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *AgentOptions) Config() (*agent.Config, error) {
	return &agent.Config{
		MqttOptions:    o.MqttOptions,
		NetworkOptions: o.NetworkOptions,
		MessageOptions: o.MessageOptions,
		HttpOptions:    o.HttpOptions,
		LoopOptions:    o.LoopOptions,
	}, nil
}
