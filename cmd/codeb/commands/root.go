package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/codeb/reconciler/pkg/reconcile"
)

var (
	// Global flags
	configPath string
	logLevel   string
	output     string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error to the process exit status. Callers such as the
// deploy tool branch on it.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	switch reconcile.ClassOf(err) {
	case reconcile.ClassInvalid:
		return 2
	case reconcile.ClassUnavailable, reconcile.ClassNetworkUnavailable:
		return 3
	case reconcile.ClassBusy:
		return 4
	case reconcile.ClassPolicyDenied:
		return 5
	case reconcile.ClassTransport:
		return 6
	}
	return 1
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "codeb",
		Short: "Reconcile Podman resources on a remote host",
		Long: `codeb drives a Podman host over SSH and converges it to the desired state.

Features:
  - PostgreSQL pg_hba.conf trust rules for container networks
  - Container IP injection into connection strings
  - Volume lifecycle with backup before destruction
  - Network health checks with fallback to the default network
  - Run journal and policy guard for destructive intents`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("log-level") || cmd.Root().PersistentFlags().Changed("log-level") {
				level, err := zerolog.ParseLevel(logLevel)
				if err != nil {
					return &usageError{msg: fmt.Sprintf("invalid log level %q", logLevel)}
				}
				zerolog.SetGlobalLevel(level)
			}
			switch output {
			case outputText, outputJSON, outputYAML:
			default:
				return &usageError{msg: fmt.Sprintf("invalid output format %q (must be text, json or yaml)", output)}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", outputText, "output format (text, json, yaml)")

	rootCmd.AddCommand(newPGHBACommand())
	rootCmd.AddCommand(newIPCommand())
	rootCmd.AddCommand(newInjectIPCommand())
	rootCmd.AddCommand(newVolumeCommand())
	rootCmd.AddCommand(newNetworkCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
