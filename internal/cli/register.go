package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"smart-mail-reply-go/internal/db"
	"smart-mail-reply-go/internal/model"
	"smart-mail-reply-go/internal/repository"
)

type registerOptions struct {
	email        string
	provider     string
	refreshToken string
	imapPassword string
}

func (o *registerOptions) user() (*model.User, error) {
	email := strings.TrimSpace(o.email)
	if email == "" {
		return nil, errors.New("--email is required")
	}
	user := &model.User{Email: strings.ToLower(email), Provider: o.provider}
	switch o.provider {
	case model.ProviderGmail:
		if o.imapPassword != "" {
			return nil, errors.New("--imap-password is only valid with --provider imap")
		}
		user.RefreshToken = o.refreshToken
	case model.ProviderIMAP:
		if o.refreshToken != "" {
			return nil, errors.New("--refresh-token is only valid with --provider gmail")
		}
		user.IMAPPassword = o.imapPassword
	default:
		return nil, fmt.Errorf("unknown provider %q: must be %s or %s", o.provider, model.ProviderGmail, model.ProviderIMAP)
	}
	if !user.HasCredentials() {
		return nil, fmt.Errorf("%s users need credentials", o.provider)
	}
	return user, nil
}

// NewRegisterCommand stores a new mailbox owner.
func NewRegisterCommand(opts *RootOptions) *cobra.Command {
	ro := &registerOptions{}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a mailbox owner",
		Example: "  smart-mail-reply register --email me@example.com --refresh-token 1//0g...\n" +
			"  smart-mail-reply register --email me@example.org --provider imap --imap-password app-pass",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := ro.user()
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Init(cfg.Database)
			if err != nil {
				return err
			}
			if sqlDB, err := conn.DB(); err == nil {
				defer sqlDB.Close()
			}

			if err := repository.New(conn).CreateUser(cmd.Context(), user); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), user, func(w io.Writer) {
				fmt.Fprintf(w, "Registered %s user %s with id %d\n", user.Provider, user.Email, user.ID)
			})
		},
	}

	cmd.Flags().StringVar(&ro.email, "email", "", "mailbox address")
	cmd.Flags().StringVar(&ro.provider, "provider", model.ProviderGmail, "mail provider (gmail|imap)")
	cmd.Flags().StringVar(&ro.refreshToken, "refresh-token", "", "Google OAuth refresh token (see the token command)")
	cmd.Flags().StringVar(&ro.imapPassword, "imap-password", "", "IMAP password or app password")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
