package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "accountctl",
		Short:         "Manage lol-autostream accounts, schema and tokens",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			return a.wire(cmd.Context())
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.close()
		},
	}

	rootCmd.AddCommand(
		newAccountsCmd(a),
		newMigrateCmd(a),
		newTokensCmd(a),
	)
	return rootCmd
}
