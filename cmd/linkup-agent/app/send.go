package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autopeer-io/linkup/cmd/linkup-agent/app/options"
)

type sendFlags struct {
	to       string
	from     string
	body     string
	mediaURL string
}

func (f *sendFlags) validate() error {
	if f.to == "" {
		return errors.New("--to is required")
	}
	if f.body == "" && f.mediaURL == "" {
		return errors.New("one of --body or --media-url is required")
	}
	return nil
}

func newSendCommand(opts *options.AgentOptions) *cobra.Command {
	f := &sendFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Bring the connection up, send one SMS/MMS request and exit",
		Example: `  linkup-agent send --to +15551234567 --body "Door opened"
  linkup-agent send --to +15551234567 --media-url https://example.com/cam.jpg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := f.validate(); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			cfg, err := opts.Config()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			// A one-shot send neither listens nor serves status.
			cfg.MessageOptions.SubscribeIncoming = false
			cfg.HttpOptions.Addr = ""
			cfg.LoopOptions.WatchCerts = false

			agent, err := cfg.NewAgent()
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if err := agent.Send(ctx, f.to, f.from, f.body, f.mediaURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}

	cmd.Flags().StringVar(&f.to, "to", f.to, "Recipient phone number.")
	cmd.Flags().StringVar(&f.from, "from", f.from, "Sender phone number. Defaults to --message.from.")
	cmd.Flags().StringVar(&f.body, "body", f.body, "Message text.")
	cmd.Flags().StringVar(&f.mediaURL, "media-url", f.mediaURL, "Media URL, turning the message into an MMS.")
	return cmd
}
