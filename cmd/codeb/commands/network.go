package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codeb/reconciler/pkg/reconcile"
)

func newNetworkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Ensure and diagnose container networks",
	}

	cmd.AddCommand(newNetworkEnsureCommand())
	cmd.AddCommand(newNetworkDiagnoseCommand())

	return cmd
}

func newNetworkEnsureCommand() *cobra.Command {
	var (
		noFallback bool
		noCreate   bool
	)

	cmd := &cobra.Command{
		Use:   "ensure [name]",
		Short: "Return a network containers can join",
		Long: `Ensure the preferred network is usable.

A healthy network is used as is. A missing network is created and a
corrupt one is removed and recreated. If that fails the default "podman"
network is used instead, unless --no-fallback is given.

The chosen network name is printed on stdout.`,
		Example: `  # Ensure the configured default network
  codeb network ensure

  # Use a project network and fail rather than fall back
  codeb network ensure shop-net --no-fallback`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			req := reconcile.NetworkRequest{AllowFallback: !noFallback, CreateIfMissing: !noCreate}
			if len(args) > 0 {
				req.Name = args[0]
			}

			res, err := a.reconciler.EnsureNetwork(a.ctx, req)
			if res == nil {
				return err
			}
			if rerr := render(cmd, res, func(w io.Writer) {
				if res.Success {
					fmt.Fprintln(w, res.NetworkName)
				}
				fmt.Fprintln(cmd.ErrOrStderr(), res.Message)
			}); rerr != nil {
				return rerr
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "fail instead of falling back to the default network")
	cmd.Flags().BoolVar(&noCreate, "no-create", false, "do not create or repair the network")

	return cmd
}

func newNetworkDiagnoseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Report the health of every network",
		Long: `Inspect every network on the host and report issues and recommendations.

Nothing is changed. The command exits nonzero when the host is unhealthy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			diag, err := a.reconciler.DiagnoseNetworks(a.ctx)
			if err != nil {
				return err
			}

			if err := render(cmd, diag, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NETWORK\tDRIVER\tSTATUS\tCONTAINERS\tISSUES")
				for _, n := range diag.Networks {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						n.Name, n.Driver, n.Status, n.Containers, orDash(strings.Join(n.Issues, "; ")))
				}
				tw.Flush()
				printList(w, "Recommendations", diag.Recommendations)
			}); err != nil {
				return err
			}

			if !diag.Healthy {
				return fmt.Errorf("network diagnosis found issues")
			}
			return nil
		},
	}

	return cmd
}
