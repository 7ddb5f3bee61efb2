package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/lol-autostream/db"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := a.requirePostgres(); err != nil {
					return err
				}
				// OpenBackend already migrated; report where the schema stands.
				return printVersion(cmd, a)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := a.requirePostgres(); err != nil {
					return err
				}
				if err := db.MigrateDown(a.backend.SQL); err != nil {
					return err
				}
				return printVersion(cmd, a)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := a.requirePostgres(); err != nil {
					return err
				}
				return printVersion(cmd, a)
			},
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, a *app) error {
	v, dirty, err := db.MigrationVersion(a.backend.SQL)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
	return nil
}
