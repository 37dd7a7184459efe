package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codeb/reconciler/pkg/config"
)

// metricsAddr overrides the metrics listen address when set.
var metricsAddr string

func newApplyCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Converge the host to a desired-state file",
		Long: `Reconcile every resource declared in a CUE or JSON desired-state file.

Resources are applied in order: networks, volumes, auth rules, then
connection strings. A failing resource does not stop the others.

When the file names a host, that host is reconciled with the configured
credentials instead of server.host.

With --watch the file is applied again whenever it changes, and metrics
are served until interrupted.`,
		Example: `  # Apply once
  codeb apply shop-staging.cue

  # Keep applying on change and expose metrics
  codeb apply shop-staging.cue --watch --metrics-addr :9464`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			parser, err := config.NewParser()
			if err != nil {
				return err
			}

			if !watch {
				state, err := parser.ParseFile(args[0])
				if err != nil {
					return &usageError{msg: err.Error()}
				}
				return applyOnce(cmd, a, state)
			}

			ctx, cancel := context.WithCancel(a.ctx)
			defer cancel()

			if metricsAddr != "" || a.settings.Metrics.Enabled {
				go func() {
					if err := a.telemetry.Metrics.Serve(ctx); err != nil {
						log.Error().Err(err).Msg("Metrics server stopped")
					}
				}()
			}

			log.Info().Str("path", args[0]).Msg("Watching desired state")
			return parser.Watch(ctx, args[0], func(state *config.DesiredState, err error) {
				if err != nil {
					log.Error().Err(err).Str("path", args[0]).Msg("Invalid desired state, keeping previous")
					return
				}
				if err := applyOnce(cmd, a, state); err != nil {
					log.Error().Err(err).Msg("Apply finished with errors")
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-apply when the file changes")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")

	return cmd
}

func applyOnce(cmd *cobra.Command, a *app, state *config.DesiredState) error {
	reconciler := a.reconciler
	if state.Host != "" {
		reconciler = a.reconcilerFor(state.Host)
	}
	report, err := reconciler.Apply(a.ctx, state)
	if report == nil {
		return err
	}

	rerr := render(cmd, report, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s/%s\n", status(report.Success), report.Project, report.Environment)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tTARGET\tSTATUS\tACTION\tMESSAGE")
		for _, step := range report.Steps {
			msg := step.Message
			if step.Error != "" {
				msg = step.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", step.Kind, step.Target, status(step.Success), orDash(step.Action), orDash(msg))
		}
		tw.Flush()
		for _, name := range slices.Sorted(maps.Keys(report.Connections)) {
			fmt.Fprintf(w, "%s=%s\n", name, report.Connections[name])
		}
	})
	return errors.Join(rerr, err)
}
