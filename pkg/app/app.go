// Package app builds the cobra command of a linkup binary from its options:
// flags are grouped into named sections, merged with an optional config file
// and environment variables, completed and validated before the run function
// is called.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/term"
	"k8s.io/component-base/version/verflag"

	"github.com/autopeer-io/linkup/pkg/log"
)

// SkipValidation is a command annotation. Commands carrying it get their
// options loaded and completed but not validated.
const SkipValidation = "linkup.io/skip-validation"

// RunFunc is the entry point of the root command.
type RunFunc func() error

// Option configures an App.
type Option func(*App)

// App is the command line application of one binary.
type App struct {
	basename    string
	name        string
	description string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	noConfig    bool
	args        cobra.PositionalArgs
	commands    []*cobra.Command

	cfgFile string
	viper   *viper.Viper
	cmd     *cobra.Command
}

// WithOptions sets the options the flags are bound to.
func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) {
		a.options = opts
	}
}

// WithRunFunc sets the function run by the root command.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) {
		a.runFunc = run
	}
}

// WithDescription sets the long description shown in help.
func WithDescription(desc string) Option {
	return func(a *App) {
		a.description = desc
	}
}

// WithNoConfig drops the --config flag.
func WithNoConfig() Option {
	return func(a *App) {
		a.noConfig = true
	}
}

// WithValidArgs sets the positional argument check of the root command.
func WithValidArgs(args cobra.PositionalArgs) Option {
	return func(a *App) {
		a.args = args
	}
}

// WithDefaultValidArgs rejects any positional argument.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithCommands adds subcommands. They share the root options and flags.
func WithCommands(cmds ...*cobra.Command) Option {
	return func(a *App) {
		a.commands = append(a.commands, cmds...)
	}
}

// NewApp creates an App called name. basename is derived from the binary.
func NewApp(name string, basename string, opts ...Option) *App {
	a := &App{
		name:     name,
		basename: basename,
		viper:    viper.New(),
	}

	for _, o := range opts {
		o(a)
	}

	a.buildCommand()
	return a
}

// Command returns the root command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the root command and exits the process on error.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:               formatBaseName(a.basename),
		Short:             a.name,
		Long:              a.description,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Args:              a.args,
		PersistentPreRunE: a.prepare,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	if a.runFunc != nil {
		cmd.RunE = func(*cobra.Command, []string) error {
			return a.runFunc()
		}
	}

	var namedFlagSets cliflag.NamedFlagSets
	if a.options != nil {
		namedFlagSets = a.options.Flags()
	}
	verflag.AddFlags(namedFlagSets.FlagSet("global"))
	if !a.noConfig {
		addConfigFlag(a.basename, namedFlagSets.FlagSet("global"), &a.cfgFile)
	}
	namedFlagSets.FlagSet("global").BoolP("help", "h", false, fmt.Sprintf("help for %s", cmd.Name()))

	fs := cmd.PersistentFlags()
	for _, f := range namedFlagSets.FlagSets {
		fs.AddFlagSet(f)
	}

	cmd.AddCommand(a.commands...)
	setUsageAndHelp(cmd, namedFlagSets)
	a.cmd = cmd
}

// prepare loads and checks the options ahead of every command.
func (a *App) prepare(cmd *cobra.Command, _ []string) error {
	verflag.PrintAndExitIfRequested()

	if a.options == nil {
		return nil
	}

	if !a.noConfig {
		if err := loadConfig(a.viper, a.basename, a.cfgFile, cmd.Flags()); err != nil {
			return err
		}
		if err := a.viper.Unmarshal(a.options); err != nil {
			return fmt.Errorf("failed to decode configuration: %w", err)
		}
	}

	if err := a.options.Complete(); err != nil {
		return err
	}
	if _, skip := cmd.Annotations[SkipValidation]; !skip {
		if err := a.options.Validate(); err != nil {
			return err
		}
	}

	if lc, ok := a.options.(LogConfigurer); ok {
		log.Init(lc.LogOptions())
	}
	return nil
}

func setUsageAndHelp(cmd *cobra.Command, fss cliflag.NamedFlagSets) {
	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cmd.SetUsageFunc(func(cmd *cobra.Command) error {
		fmt.Fprintf(cmd.OutOrStderr(), "Usage:\n  %s\n", cmd.UseLine())
		if cmd.HasAvailableSubCommands() {
			fmt.Fprintf(cmd.OutOrStderr(), "\nAvailable Commands:\n")
			for _, c := range cmd.Commands() {
				if c.IsAvailableCommand() {
					fmt.Fprintf(cmd.OutOrStderr(), "  %-12s %s\n", c.Name(), c.Short)
				}
			}
		}
		cliflag.PrintSections(cmd.OutOrStderr(), fss, cols)
		return nil
	})
	cmd.SetHelpFunc(func(cmd *cobra.Command, _ []string) {
		if cmd.Long != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", cmd.Long)
		}
		_ = cmd.Usage()
	})
}

func formatBaseName(basename string) string {
	basename = filepath.Base(basename)
	return strings.TrimSuffix(strings.ToLower(basename), ".exe")
}
