package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*LoopOptions)(nil)

// LoopOptions bounds the poll loop that drives bring-up.
type LoopOptions struct {
	// MaxAttempts caps bring-up attempts. Zero retries forever.
	MaxAttempts int `json:"max-attempts" mapstructure:"max-attempts"`

	RetryInterval time.Duration `json:"retry-interval" mapstructure:"retry-interval"`

	// PumpTimeout is the budget handed to each keepalive pump.
	PumpTimeout time.Duration `json:"pump-timeout" mapstructure:"pump-timeout"`

	// StageTimeout bounds how long one bring-up stage may stay pending.
	StageTimeout time.Duration `json:"stage-timeout" mapstructure:"stage-timeout"`

	QueueCapacity int `json:"queue-capacity" mapstructure:"queue-capacity"`

	// WatchCerts restarts bring-up when certificate files change.
	WatchCerts bool `json:"watch-certs" mapstructure:"watch-certs"`
}

// NewLoopOptions creates a LoopOptions object with default parameters.
func NewLoopOptions() *LoopOptions {
	return &LoopOptions{
		RetryInterval: 5 * time.Second,
		PumpTimeout:   2 * time.Second,
		StageTimeout:  60 * time.Second,
		QueueCapacity: 64,
		WatchCerts:    true,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *LoopOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errors []error
	if o.MaxAttempts < 0 {
		errors = append(errors, fmt.Errorf("--agent.max-attempts cannot be negative"))
	}
	if o.RetryInterval < 0 {
		errors = append(errors, fmt.Errorf("--agent.retry-interval cannot be negative"))
	}
	// The pump must run well inside the 10s MQTT keep-alive.
	if o.PumpTimeout <= 0 || o.PumpTimeout >= 10*time.Second {
		errors = append(errors, fmt.Errorf("--agent.pump-timeout must be between 0 and 10s, got %s", o.PumpTimeout))
	}
	if o.StageTimeout <= 0 {
		errors = append(errors, fmt.Errorf("--agent.stage-timeout must be positive"))
	}
	if o.QueueCapacity < 1 {
		errors = append(errors, fmt.Errorf("--agent.queue-capacity must be at least 1"))
	}
	return errors
}

// AddFlags adds flags for LoopOptions to the specified FlagSet.
func (o *LoopOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.MaxAttempts, "agent.max-attempts", o.MaxAttempts, "Bring-up attempts before giving up. 0 retries forever.")
	fs.DurationVar(&o.RetryInterval, "agent.retry-interval", o.RetryInterval, "Wait between failed bring-up attempts.")
	fs.DurationVar(&o.PumpTimeout, "agent.pump-timeout", o.PumpTimeout, "Time handed to the MQTT session on every loop iteration.")
	fs.DurationVar(&o.StageTimeout, "agent.stage-timeout", o.StageTimeout, "Longest a bring-up stage may stay pending before the attempt is abandoned.")
	fs.IntVar(&o.QueueCapacity, "agent.queue-capacity", o.QueueCapacity, "Callbacks that may wait for the next pump.")
	fs.BoolVar(&o.WatchCerts, "agent.watch-certs", o.WatchCerts, "Restart bring-up when certificate files change.")
}
