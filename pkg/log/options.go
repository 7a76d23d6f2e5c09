package log

import (
	"fmt"
	"slices"

	"github.com/spf13/pflag"
)

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"console", "json"}
)

// Options contains configuration settings for the logger.
type Options struct {
	// Name is added as the logger name to every entry.
	Name string `json:"name,omitempty" mapstructure:"name"`

	// Level is the minimum level written: debug, info, warn or error.
	Level string `json:"level,omitempty" mapstructure:"level"`

	// Format is either 'console' or 'json'.
	Format string `json:"format,omitempty" mapstructure:"format"`

	EnableColor   bool `json:"enable-color,omitempty" mapstructure:"enable-color"`
	DisableCaller bool `json:"disable-caller,omitempty" mapstructure:"disable-caller"`

	// CallerSkip increases the number of callers skipped by caller annotation.
	CallerSkip int `json:"caller-skip,omitempty" mapstructure:"caller-skip"`

	// OutputPaths lists sinks, "stdout" and "stderr" included. Defaults to ["stdout"].
	OutputPaths []string `json:"output-paths,omitempty" mapstructure:"output-paths"`
}

// NewOptions returns Options with the defaults used on the device.
func NewOptions() *Options {
	return &Options{
		Name:        "linkup",
		Level:       "info",
		Format:      "console",
		EnableColor: false,
		CallerSkip:  2, // package-level helpers add one frame on top of zapLogger
		OutputPaths: []string{"stdout"},
	}
}

// Validate checks level and format.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if !slices.Contains(validLevels, o.Level) {
		errs = append(errs, fmt.Errorf("--log.level must be one of %v, got %q", validLevels, o.Level))
	}
	if !slices.Contains(validFormats, o.Format) {
		errs = append(errs, fmt.Errorf("--log.format must be one of %v, got %q", validFormats, o.Format))
	}
	return errs
}

// AddFlags binds command-line flags to the Options fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "Logger name added to every entry.")
	fs.StringVar(&o.Level, "log.level", o.Level, "Minimum log level ('debug', 'info', 'warn', 'error').")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log output format ('json' or 'console').")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Colorize levels in console format.")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Omit the caller field.")
	fs.IntVar(&o.CallerSkip, "log.caller-skip", o.CallerSkip, "Number of caller frames to skip.")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log sinks, e.g. 'stdout' or '/var/log/linkup.log'.")
}
