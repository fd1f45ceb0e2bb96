package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"keyvault/internal/keystore"
	"keyvault/internal/trust"
)

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Verify and record other users' master keys",
	}
	cmd.AddCommand(trustApproveCmd(), trustCompareCmd(), trustListCmd())
	return cmd
}

func trustApproveCmd() *cobra.Command {
	var keyFile, expect string
	cmd := &cobra.Command{
		Use:   "approve <user-id>",
		Short: "Trust a user's current master key",
		Long: `Records the user's master key as verified. By default the key is fetched
from the key server and must match --expect, the key hash printed by
'trust compare' after the fingerprints were read aloud. With --key the master
key document is read from a file instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			if keyFile == "" && expect == "" {
				return usageError("approving a fetched key needs --expect <key hash> from 'trust compare'")
			}
			a, err := openApp(cmd.Context(), needs{api: keyFile == ""})
			if err != nil {
				return err
			}
			defer a.Close()
			v := a.verifier()

			var rec *keystore.TrustRecord
			if keyFile != "" {
				data, err := os.ReadFile(keyFile)
				if err != nil {
					return err
				}
				rec, err = v.ApproveTrust(cmd.Context(), userID, strings.TrimSpace(string(data)))
				if err != nil {
					return err
				}
			} else {
				rec, err = v.ApproveFetched(cmd.Context(), userID, expect)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s: %s\n", rec.UserID, rec.KeyHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "read the master key document from this file")
	cmd.Flags().StringVar(&expect, "expect", "", "key hash shown by 'trust compare'")
	return cmd
}

func trustCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <user-id>",
		Short: "Show both fingerprints to read aloud and the current trust state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), needs{deviceKey: true, api: true})
			if err != nil {
				return err
			}
			defer a.Close()

			master, _, err := a.manager().LatestKey(cmd.Context(), keystore.TierMaster, a.dk)
			if err != nil {
				return err
			}
			v := a.verifier()
			cmp, err := v.Compare(cmd.Context(), args[0], master.PublicKey)
			if err != nil {
				return err
			}
			trusted, err := v.IsTrusted(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			state := trust.StateUntrusted
			switch {
			case cmp.Trusted:
				state = trust.StateTrusted
			case trusted:
				state = trust.StateChanged
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					*trust.Comparison
					State trust.State `json:"state"`
				}{cmp, state})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Your fingerprint:     %s\n", cmp.OwnFingerprint)
			fmt.Fprintf(out, "%s's fingerprint: %s\n", cmp.UserID, cmp.RemoteFingerprint)
			fmt.Fprintf(out, "Key hash:             %s\n", cmp.RemoteKeyHash)
			fmt.Fprintf(out, "State:                %s\n", state)
			if state == trust.StateChanged {
				fmt.Fprintln(out, "WARNING: this user's master key changed since you trusted it.")
			}
			if state != trust.StateTrusted {
				fmt.Fprintf(out, "If the fingerprints match, run: keyvaultctl trust approve %s --expect %s\n", cmp.UserID, cmp.RemoteKeyHash)
			}
			return nil
		},
	}
}

func trustListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), needs{})
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.verifier().TrustedUsers(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tTRUSTED AT\tKEY HASH")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.UserID, time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339), r.KeyHash)
			}
			return tw.Flush()
		},
	}
}
