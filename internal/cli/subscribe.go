package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"smart-mail-reply-go/internal/app"
)

type subscribeResult struct {
	UserID    uint       `json:"user_id"`
	Offset    uint64     `json:"offset"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewSubscribeCommand starts change notifications for a registered user.
func NewSubscribeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <email>",
		Short: "Start change notifications and reset the sync cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.Repo.FindUserByEmail(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to find user %s: %w", args[0], err)
			}
			sub, err := a.Engine.Subscribe(cmd.Context(), user.ID)
			if err != nil {
				return err
			}

			res := subscribeResult{UserID: user.ID, Offset: sub.Offset, ExpiresAt: sub.ExpiresAt}
			return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "Subscribed %s at offset %d\n", user.Email, sub.Offset)
				if sub.ExpiresAt != nil {
					fmt.Fprintf(w, "Watch expires %s\n", sub.ExpiresAt.Format(time.RFC3339))
				}
			})
		},
	}
}
