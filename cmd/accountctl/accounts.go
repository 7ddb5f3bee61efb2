package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/riotapi"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage tracked accounts",
	}
	cmd.AddCommand(
		newAccountsListCmd(a),
		newAccountsAddCmd(a),
		newAccountsRemoveCmd(a),
		newAccountsToggleCmd(a),
	)
	return cmd
}

func newAccountsListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.repo.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tHANDLE\tREGION\tACTIVE\tIN GAME")
			for _, acct := range list {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", acct.ID, acct.Handle, acct.Region, acct.Active, inGame(acct))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print accounts as JSON")
	return cmd
}

func inGame(acct accounts.TrackedAccount) string {
	if acct.MatchID == "" {
		return "-"
	}
	return acct.MatchID
}

func newAccountsAddCmd(a *app) *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "add <name#tag>",
		Short: "Resolve a Riot id and start tracking it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := riotapi.LookupPlatform(region); !ok {
				return fmt.Errorf("%w: unknown region %q", accounts.ErrInvalid, region)
			}
			if !a.resolver.HasCredential() {
				return errors.New("RIOT_API_KEY is required to resolve accounts")
			}
			id, err := a.resolver.ResolveIdentity(cmd.Context(), strings.TrimSpace(args[0]), region)
			if err != nil {
				return err
			}
			acct, err := a.repo.Add(cmd.Context(), accounts.FromIdentity(*id, a.now()))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s) as %s\n", acct.Handle, acct.Region, acct.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "NA1", "platform or region code (NA1, EUW, KR, ...)")
	return cmd
}

func newAccountsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Stop tracking an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := a.repo.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", acct.Handle)
			return nil
		},
	}
}

func newAccountsToggleCmd(a *app) *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip whether an account is polled, or set it with --active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("active") {
				cur, err := a.repo.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				active = !cur.Active
			}
			acct, err := a.repo.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s active=%t\n", acct.Handle, acct.Active)
			return nil
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "set the active flag instead of flipping it")
	return cmd
}
