package commands

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codeb/reconciler/pkg/config"
	"github.com/codeb/reconciler/pkg/policy"
	"github.com/codeb/reconciler/pkg/reconcile"
	"github.com/codeb/reconciler/pkg/stores"
	"github.com/codeb/reconciler/pkg/telemetry"
	"github.com/codeb/reconciler/pkg/transports/ssh"
)

// app holds everything a command needs to talk to the host.
type app struct {
	settings   *config.Settings
	telemetry  *telemetry.Telemetry
	journal    *stores.SQLiteStore
	reconciler *reconcile.Reconciler
	ctx        context.Context

	opts []reconcile.Option
}

// newApp loads settings and wires telemetry, the journal, the policy
// engine and the reconciler. The caller must call close.
func newApp(cmd *cobra.Command) (*app, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{settings: settings}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = cmd.Root().Version
	tcfg.Logging.Level = settings.Logging.Level
	if cmd.Flags().Changed("log-level") {
		tcfg.Logging.Level = logLevel
	}
	tcfg.Logging.Format = settings.Logging.Format
	tcfg.Tracing.Enabled = settings.Tracing.Enabled
	tcfg.Tracing.Exporter = settings.Tracing.Exporter
	tcfg.Tracing.Endpoint = settings.Tracing.Endpoint
	tcfg.Metrics.ListenAddress = settings.Metrics.ListenAddress
	if metricsAddr != "" {
		tcfg.Metrics.ListenAddress = metricsAddr
	}

	a.telemetry, err = telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.ctx = a.telemetry.WithContext(cmd.Context())

	opts := []reconcile.Option{
		reconcile.WithBackupRoot(settings.Reconcile.BackupRoot),
		reconcile.WithDefaultNetwork(settings.Reconcile.DefaultNetwork),
		reconcile.WithTrustedNetworks(settings.Reconcile.TrustedNetworks),
		reconcile.WithAuthMethod(settings.Reconcile.AuthMethod),
		reconcile.WithActor(settings.Reconcile.Actor),
		reconcile.WithLongTimeout(settings.Transport.LongCommandTimeout),
	}

	if settings.Store.Path != "" {
		journal, err := openJournal(a.ctx, settings.Store.Path)
		if err != nil {
			a.close()
			return nil, err
		}
		a.journal = journal
		opts = append(opts, reconcile.WithJournal(journal))
	}

	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(settings.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(a.ctx, settings.Policy.Paths); err != nil {
			a.close()
			return nil, err
		}
	}
	opts = append(opts, reconcile.WithGuard(engine))

	a.opts = opts
	a.reconciler = a.reconcilerFor(settings.Server.Host)
	return a, nil
}

// reconcilerFor returns a reconciler that connects to host with the
// configured credentials.
func (a *app) reconcilerFor(host string) *reconcile.Reconciler {
	opts := append(slices.Clone(a.opts), reconcile.WithHost(host))
	return reconcile.New(a.transportFor(host), opts...)
}

// transportFor builds a fresh SSH client to host per operation.
func (a *app) transportFor(host string) reconcile.TransportFactory {
	return func() (ssh.Transport, error) {
		settings := *a.settings
		settings.Server.Host = host
		return newTransport(&settings)
	}
}

func newTransport(settings *config.Settings) (ssh.Transport, error) {
	cfg, err := settings.SSHConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.NewSSHClient(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) needJournal() error {
	if a.journal == nil {
		return &usageError{msg: "no journal configured (set store.path or CODEB_STORE_PATH)"}
	}
	return nil
}

func (a *app) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}
}

func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return store, nil
}
