package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"keyvault/internal/codec"
	"keyvault/internal/config"
)

func deviceKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device-key",
		Short: "Manage the device key that wraps stored keys",
	}

	var force bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Create a new random device key file",
		Long: `Writes a new device key to the configured path with owner-only
permissions. Keys wrapped under a previous device key become unreadable,
so --force is required to replace an existing file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DeviceKey.Source != "file" {
				return usageError("device_key.source is %q; generate only writes key files", cfg.DeviceKey.Source)
			}
			path := cfg.DeviceKey.Path
			if _, err := os.Stat(path); err == nil && !force {
				return usageError("%s exists; pass --force to replace it", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			dk, err := codec.GenerateDeviceKey()
			if err != nil {
				return err
			}
			defer dk.Destroy()
			if err := codec.SaveDeviceKeyFile(path, dk); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "device key written to %s\n", path)
			return nil
		},
	}
	generate.Flags().BoolVar(&force, "force", false, "replace an existing device key")

	cmd.AddCommand(generate)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create the configuration file",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write a default configuration file if none exists",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path := configPath
				if path == "" {
					path = config.ConfigPath()
				}
				_, created, err := config.LoadOrCreate(path)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration v%d is valid\n", cfg.Version)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration without secrets",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				out := cfg.Clone()
				if out.API.Token != "" {
					out.API.Token = "[REDACTED]"
				}
				if out.Events.RedisPassword != "" {
					out.Events.RedisPassword = "[REDACTED]"
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
	)
	return cmd
}
