package cli

import (
	"github.com/spf13/cobra"

	"smart-mail-reply-go/internal/app"
)

// NewServeCommand runs the HTTP API, job workers and scheduler until
// interrupted.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the notification endpoint, job workers and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return app.Run(cfg)
		},
	}
}
