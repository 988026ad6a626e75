package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"smart-mail-reply-go/internal/provider"
)

type tokenResult struct {
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// NewTokenCommand walks through the Google consent flow and prints the
// refresh token that register --refresh-token expects.
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain a Google refresh token for a Gmail user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.GoogleEnabled() {
				return errors.New("google.client_id and google.client_secret must be configured")
			}
			auth := provider.NewGoogleAuth(cfg.Google)

			if code == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Go to the following link in your browser:\n%s\n\n", auth.AuthCodeURL(uuid.NewString()))
				fmt.Fprint(cmd.ErrOrStderr(), "Enter the 'code' parameter of the redirect URL: ")
				if _, err := fmt.Fscan(cmd.InOrStdin(), &code); err != nil {
					return fmt.Errorf("failed to read authorization code: %w", err)
				}
			}

			tok, err := auth.Exchange(cmd.Context(), strings.TrimSpace(code))
			if err != nil {
				return err
			}
			res := tokenResult{RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
			return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "Refresh token: %s\n", tok.RefreshToken)
			})
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "authorization code; prompted for when empty")
	return cmd
}
