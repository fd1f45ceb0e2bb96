// keyvaultctl manages the end-to-end encryption keys of one device: it
// sets up the key hierarchy, rotates and distributes the account key and
// records which peers' master keys have been verified.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and maps the outcome to an exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	code := exitCode(err)
	fmt.Fprintf(root.ErrOrStderr(), "keyvaultctl: %s\n", describe(err))
	return code
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keyvaultctl",
		Short:         "End-to-end encryption key lifecycle for this device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError("%v", err)
	})

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: platform config dir)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		initCmd(),
		importMasterCmd(),
		keysCmd(),
		rotateCmd(),
		fingerprintCmd(),
		trustCmd(),
		clearCmd(),
		deviceKeyCmd(),
		configCmd(),
		eventsCmd(),
	)
	return root
}
