package app

import (
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/linkup/pkg/log"
)

// NamedFlagSetOptions is implemented by the options of every command built
// with App.
type NamedFlagSetOptions interface {
	// Flags returns the flags grouped by section.
	Flags() cliflag.NamedFlagSets

	// Complete fills in fields derived from the parsed flags.
	Complete() error

	// Validate checks the completed options.
	Validate() error
}

// LogConfigurer is implemented by options that carry logger settings. App
// initializes the global logger from them before running a command.
type LogConfigurer interface {
	LogOptions() *log.Options
}
