package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/codeb/reconciler/pkg/reconcile"
)

func newPGHBACommand() *cobra.Command {
	var (
		networks   []string
		method     string
		showConfig bool
	)

	cmd := &cobra.Command{
		Use:   "pghba <container>",
		Short: "Trust container networks in pg_hba.conf",
		Long: `Ensure a PostgreSQL container accepts connections from trusted networks.

This command:
  - Verifies the container is running
  - Reads pg_hba.conf from the container's PGDATA
  - Inserts one host rule per trusted network ahead of any catch-all rule
  - Writes the file atomically and reloads PostgreSQL
  - Re-reads the file to confirm the rules took effect

Running it again against a correct file changes nothing.`,
		Example: `  # Trust the default Podman network
  codeb pghba codeb-postgres-shop-staging

  # Trust two networks with md5
  codeb pghba pg1 --network 10.88.0.0/16 --network 10.89.0.0/24 --method md5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.reconciler.ConfigureAuthRules(a.ctx, reconcile.AuthRulesRequest{
				ContainerName:   args[0],
				TrustedNetworks: networks,
				AuthMethod:      method,
			})
			if res == nil {
				return err
			}
			if !showConfig {
				res.CurrentConfig = ""
			}
			if rerr := render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s: %s\n", status(res.Success), res.ContainerName, res.Message)
				if res.PGData != "" {
					fmt.Fprintf(w, "PGDATA: %s\n", res.PGData)
				}
				if showConfig && res.CurrentConfig != "" {
					fmt.Fprintf(w, "\n%s", res.CurrentConfig)
				}
			}); rerr != nil {
				return rerr
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&networks, "network", nil, "trusted network CIDR (repeatable, default from settings)")
	cmd.Flags().StringVar(&method, "method", "", "auth method: trust, md5, scram-sha-256 or password")
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the resulting pg_hba.conf")

	return cmd
}
