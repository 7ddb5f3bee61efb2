package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/lol-autostream/crypto"
	"github.com/onnwee/lol-autostream/db"
)

func newTokensCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage stored OAuth tokens",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "encrypt",
			Short: "Encrypt plaintext rows in oauth_tokens with ENCRYPTION_KEY",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := a.requirePostgres(); err != nil {
					return err
				}
				if a.enc == nil {
					return crypto.ErrNoKey
				}
				n, err := (&db.TokenStore{DB: a.backend.SQL, Enc: a.enc}).EncryptPlaintext(cmd.Context())
				if err != nil {
					return fmt.Errorf("encrypted %d token(s) before failing: %w", n, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "encrypted %d token(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which providers have a stored token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				for _, provider := range []string{"twitch", "youtube"} {
					line, err := tokenStatus(cmd.Context(), a, provider)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			},
		},
	)
	return cmd
}

func tokenStatus(ctx context.Context, a *app, provider string) (string, error) {
	access, refresh, expiry, _, err := a.backend.Tokens.GetOAuthToken(ctx, provider)
	if err != nil {
		return "", fmt.Errorf("%s: %w", provider, err)
	}
	switch {
	case access == "" && refresh == "":
		return provider + ": none", nil
	case expiry.IsZero():
		return provider + ": stored", nil
	case a.now().After(expiry):
		return fmt.Sprintf("%s: expired %s ago (refresh token present: %t)", provider, a.now().Sub(expiry).Round(time.Second), refresh != ""), nil
	default:
		return fmt.Sprintf("%s: valid for %s", provider, expiry.Sub(a.now()).Round(time.Second)), nil
	}
}
