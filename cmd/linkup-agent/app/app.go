package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/linkup/cmd/linkup-agent/app/options"
	"github.com/autopeer-io/linkup/pkg/app"
)

const (
	commandName = "linkup-agent"
	commandDesc = `The linkup agent brings a device online: it activates the Wi-Fi or
cellular bearer, resolves the broker, opens a mutually authenticated MQTT
session and keeps it alive, restarting the bring-up whenever it fails.
Notifications are published as SMS/MMS requests on the device topic.`
)

func NewApp() *app.App {
	opts := options.NewAgentOptions()
	application := app.NewApp(
		"Launch the linkup device agent",
		commandName,
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
		app.WithCommands(
			newRunCommand(opts),
			newSendCommand(opts),
			newConfigCommand(opts),
		),
	)
	return application
}

func run(opts *options.AgentOptions) app.RunFunc {
	return func() error {
		ctx, stop := signalContext()
		defer stop()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}

func newRunCommand(opts *options.AgentOptions) *cobra.Command {
	runFunc := run(opts)
	return &cobra.Command{
		Use:   "run",
		Short: "Bring the connection up and keep it alive (default)",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runFunc()
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
