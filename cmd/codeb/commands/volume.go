package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeb/reconciler/pkg/reconcile"
)

func newVolumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Manage project volumes",
		Long: `Create, recreate, back up and restore project volumes.

Volumes are named codeb-<kind>-<project>-<environment>. Destructive intents
are refused while any container uses the volume and are checked against
the configured policies.`,
	}

	cmd.AddCommand(newVolumeInitCommand())
	cmd.AddCommand(newVolumeRestoreCommand())
	cmd.AddCommand(newVolumeBackupsCommand())

	return cmd
}

func newVolumeInitCommand() *cobra.Command {
	var (
		project     string
		kind        string
		environment string
		intent      string
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Drive a project volume to an intent",
		Long: `Ensure a project volume exists according to an intent:

  create-if-absent     create the volume unless it already exists
  recreate             destroy and create the volume empty
  backup-and-recreate  export the volume to the backup root, then recreate it`,
		Example: `  # Create the staging database volume
  codeb volume init --project shop --kind postgres --env staging

  # Reset staging data, keeping a backup
  codeb volume init --project shop --kind postgres --env staging --intent backup-and-recreate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.reconciler.EnsureVolume(a.ctx, reconcile.VolumeRequest{
				Project:     project,
				Kind:        kind,
				Environment: environment,
				Intent:      reconcile.VolumeIntent(intent),
				Force:       force,
			})
			if res == nil {
				return err
			}
			if rerr := render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s: %s\n", status(res.Success), res.VolumeName, res.Message)
				if res.BackupPath != "" {
					fmt.Fprintf(w, "Backup: %s (sha256 %s)\n", res.BackupPath, orDash(res.Checksum))
				}
				printList(w, "In use by", res.Users)
				printList(w, "Warnings", res.Warnings)
			}); rerr != nil {
				return rerr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&kind, "kind", "", "volume kind: postgres, redis or app-data")
	cmd.Flags().StringVar(&environment, "env", "", "environment name")
	cmd.Flags().StringVar(&intent, "intent", string(reconcile.IntentCreateIfAbsent), "create-if-absent, recreate or backup-and-recreate")
	cmd.Flags().BoolVar(&force, "force", false, "override policies that honour force")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("env")

	return cmd
}

func newVolumeRestoreCommand() *cobra.Command {
	var (
		environment string
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "restore <volume> <backup>",
		Short: "Restore a volume from a backup archive",
		Long: `Import a backup archive from the host into a volume.

The volume is created if missing. When the journal knows the archive, its
checksum is verified before anything is imported.`,
		Example: `  codeb volume restore codeb-postgres-shop-staging \
    /home/codeb/backups/volumes/codeb-postgres-shop-staging-20260314T092653Z.tar`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.reconciler.RestoreVolume(a.ctx, reconcile.RestoreRequest{
				VolumeName:  args[0],
				BackupPath:  args[1],
				Environment: environment,
				Force:       force,
			})
			if res == nil {
				return err
			}
			if rerr := render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s: %s\n", status(res.Success), res.VolumeName, res.Message)
				if res.Verified {
					fmt.Fprintln(w, "Checksum verified against journal")
				}
			}); rerr != nil {
				return rerr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&environment, "env", "", "environment name, checked by policies")
	cmd.Flags().BoolVar(&force, "force", false, "override policies that honour force")

	return cmd
}

func newVolumeBackupsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups [volume]",
		Short: "List volume backups on the host",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			volume := ""
			if len(args) > 0 {
				volume = args[0]
			}

			backups, err := a.reconciler.ListBackups(a.ctx, volume)
			if err != nil {
				return err
			}

			return render(cmd, backups, func(w io.Writer) {
				if len(backups) == 0 {
					fmt.Fprintln(w, "No backups found")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VOLUME\tTAKEN\tJOURNALED\tPATH")
				for _, b := range backups {
					taken := "-"
					if b.TakenAt != nil {
						taken = b.TakenAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", b.VolumeName, taken, b.Journaled, b.Path)
				}
				tw.Flush()
			})
		},
	}

	return cmd
}
