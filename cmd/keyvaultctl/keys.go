package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"keyvault/internal/keyhierarchy"
	"keyvault/internal/keystore"
	"keyvault/internal/trust"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create every missing key of the hierarchy",
		Long: `Creates the master key if this device has none, then the identity,
share-sign and share keys. Existing keys are left untouched, so running
init again is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, needs{deviceKey: true})
			if err != nil {
				return err
			}
			defer a.Close()
			m := a.manager()

			steps := []struct {
				tier   keystore.Tier
				create func() (*keystore.Record, error)
			}{
				{keystore.TierMaster, func() (*keystore.Record, error) { return m.CreateMasterKey(ctx, a.dk) }},
				{keystore.TierIdentity, func() (*keystore.Record, error) { return m.CreateIdentityKey(ctx, a.dk) }},
				{keystore.TierShareSign, func() (*keystore.Record, error) { return m.CreateShareSignKey(ctx, a.dk) }},
				{keystore.TierShare, func() (*keystore.Record, error) { return m.CreateShareKey(ctx, a.dk) }},
			}

			out := cmd.OutOrStdout()
			for _, step := range steps {
				_, rec, err := m.LatestKey(ctx, step.tier, a.dk)
				switch {
				case err == nil:
					fmt.Fprintf(out, "%-10s exists   %s\n", step.tier, rec.Hash)
					continue
				case !keyhierarchy.IsAbsent(err):
					return err
				}
				rec, err = step.create()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-10s created  %s\n", step.tier, rec.Hash)
			}
			return nil
		},
	}
}

func importMasterCmd() *cobra.Command {
	var passphraseEnv string
	cmd := &cobra.Command{
		Use:   "import-master <openssh-private-key>",
		Short: "Adopt an existing Ed25519 OpenSSH key as the master key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pemBytes, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var passphrase []byte
			if passphraseEnv != "" {
				passphrase = []byte(os.Getenv(passphraseEnv))
			}

			a, err := openApp(cmd.Context(), needs{deviceKey: true})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.manager().ImportMasterKey(cmd.Context(), a.dk, pemBytes, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "master key imported: %s\n", rec.Hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&passphraseEnv, "passphrase-env", "", "environment variable holding the key passphrase")
	return cmd
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys [tier...]",
		Short: "List stored keys by hash (no key material is printed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			tiers := keystore.Tiers()
			if len(args) > 0 {
				tiers = tiers[:0]
				for _, arg := range args {
					t := keystore.Tier(arg)
					if !t.Valid() {
						return usageError("unknown tier %q", arg)
					}
					tiers = append(tiers, t)
				}
			}

			a, err := openApp(cmd.Context(), needs{})
			if err != nil {
				return err
			}
			defer a.Close()
			m := a.manager()

			type row struct {
				Tier keystore.Tier `json:"tier"`
				keyhierarchy.KeySummary
			}
			var rows []row
			for _, t := range tiers {
				history, err := m.KeyHistory(cmd.Context(), t)
				if err != nil {
					return err
				}
				for _, s := range history {
					rows = append(rows, row{Tier: t, KeySummary: s})
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tCREATED\tLATEST\tROOM\tHASH")
			for _, r := range rows {
				latest := ""
				if r.Latest {
					latest = "*"
				}
				created := time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Tier, created, latest, r.RoomID, r.Hash)
			}
			return tw.Flush()
		},
	}
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Create a new account key and distribute it to every encrypted session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), needs{deviceKey: true, api: true})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.manager().Rotate(cmd.Context(), a.dk)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account key rotated: %s (%d sessions)\n", res.Hash, res.Sessions)
			return nil
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this user's master key fingerprint for out-of-band comparison",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), needs{deviceKey: true})
			if err != nil {
				return err
			}
			defer a.Close()

			master, _, err := a.manager().LatestKey(cmd.Context(), keystore.TierMaster, a.dk)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\nKey hash:    %s\n",
				trust.ComputeFingerprint(master.PublicKey), master.Hash())
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every key and trust record on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return usageError("refusing to delete keys without --yes")
			}
			a, err := openApp(cmd.Context(), needs{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager().ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all keys removed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
