package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		operation string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reconciliation runs",
		Long: `List runs recorded in the journal, newest first.

Requires store.path to be configured.`,
		Example: `  # Last 20 runs
  codeb history

  # Only volume operations
  codeb history --operation volume.ensure --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.needJournal(); err != nil {
				return err
			}

			var filter *string
			if operation != "" {
				filter = &operation
			}
			runs, err := a.journal.ListRuns(a.ctx, filter, limit, 0)
			if err != nil {
				return err
			}

			return render(cmd, runs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tOPERATION\tHOST\tTARGET\tSTATUS\tACTION\tERROR")
				for _, run := range runs {
					errText := ""
					if run.Error != nil {
						errText = *run.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						run.StartedAt.Local().Format(time.DateTime), run.Operation, run.Host,
						orDash(run.Target), run.Status, orDash(run.Action), orDash(errText))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&operation, "operation", "", "only runs of this operation (e.g. pghba.configure)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	return cmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := struct {
				Version   string `json:"version" yaml:"version"`
				Commit    string `json:"commit" yaml:"commit"`
				BuildDate string `json:"build_date" yaml:"build_date"`
			}{version, commit, buildDate}

			return render(cmd, info, func(w io.Writer) {
				fmt.Fprintf(w, "codeb %s (commit: %s, built: %s)\n", version, commit, buildDate)
			})
		},
	}
}
