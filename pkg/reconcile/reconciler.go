package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codeb/reconciler/pkg/pghba"
	"github.com/codeb/reconciler/pkg/podman"
	"github.com/codeb/reconciler/pkg/policy"
	"github.com/codeb/reconciler/pkg/stores"
	"github.com/codeb/reconciler/pkg/telemetry"
	"github.com/codeb/reconciler/pkg/transports/ssh"
)

// Defaults applied to requests that leave a field empty.
const (
	DefaultBackupRoot       = "/home/codeb/backups/volumes"
	DefaultPreferredNetwork = "codeb-network"
	DefaultTrustedNetwork   = "10.88.0.0/16"
	DefaultAuthMethod       = pghba.MethodTrust
	DefaultActor            = "codeb"
)

// Operation names used for spans, metrics and the journal.
const (
	OpConfigureAuthRules = "pghba.configure"
	OpResolveAddress     = "address.resolve"
	OpInjectAddress      = "address.inject"
	OpEnsureVolume       = "volume.ensure"
	OpRestoreVolume      = "volume.restore"
	OpListBackups        = "volume.backups"
	OpEnsureNetwork      = "network.ensure"
	OpDiagnoseNetworks   = "network.diagnose"
)

// TransportFactory returns a fresh, unconnected transport. Every operation
// calls it once and owns the result until it returns.
type TransportFactory func() (ssh.Transport, error)

// Journal is the part of stores.Store the reconciler writes to.
type Journal interface {
	CreateRun(ctx context.Context, run *stores.Run) error
	CompleteRun(ctx context.Context, run *stores.Run) error
	RecordBackup(ctx context.Context, backup *stores.VolumeBackup) error
	GetBackupByPath(ctx context.Context, host, path string) (*stores.VolumeBackup, error)
	ListBackups(ctx context.Context, host, volume string) ([]*stores.VolumeBackup, error)
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// Guard decides whether a destructive intent may proceed. *policy.Engine
// satisfies it.
type Guard interface {
	Evaluate(ctx context.Context, intent *policy.Intent) (*policy.Decision, error)
}

// Reconciler brings one host's auth rules, addresses, volumes and networks
// into the requested state. It holds no connection between calls and is
// safe for concurrent use.
type Reconciler struct {
	connect TransportFactory
	journal Journal
	guard   Guard

	host            string
	backupRoot      string
	defaultNetwork  string
	trustedNetworks []string
	authMethod      string
	actor           string
	longTimeout     time.Duration
	now             func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithJournal records every run, backup and policy decision.
func WithJournal(j Journal) Option {
	return func(r *Reconciler) {
		r.journal = j
	}
}

// WithGuard evaluates destructive volume intents before they run.
func WithGuard(g Guard) Option {
	return func(r *Reconciler) {
		r.guard = g
	}
}

// WithHost names the host the transport factory connects to. Apply refuses
// a desired-state document that targets a different host.
func WithHost(name string) Option {
	return func(r *Reconciler) {
		r.host = name
	}
}

// WithBackupRoot sets the host directory for volume backups.
func WithBackupRoot(dir string) Option {
	return func(r *Reconciler) {
		if dir != "" {
			r.backupRoot = dir
		}
	}
}

// WithDefaultNetwork sets the network EnsureNetwork prefers when the
// request names none.
func WithDefaultNetwork(name string) Option {
	return func(r *Reconciler) {
		if name != "" {
			r.defaultNetwork = name
		}
	}
}

// WithTrustedNetworks sets the CIDRs granted access when a request lists
// none.
func WithTrustedNetworks(cidrs []string) Option {
	return func(r *Reconciler) {
		if len(cidrs) > 0 {
			r.trustedNetworks = append([]string(nil), cidrs...)
		}
	}
}

// WithAuthMethod sets the pg_hba method used when a request names none.
func WithAuthMethod(method string) Option {
	return func(r *Reconciler) {
		if method != "" {
			r.authMethod = method
		}
	}
}

// WithActor names who is reconciling in audit entries.
func WithActor(actor string) Option {
	return func(r *Reconciler) {
		if actor != "" {
			r.actor = actor
		}
	}
}

// WithLongTimeout sets the budget for volume exports and imports.
func WithLongTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.longTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New returns a Reconciler that opens its connections through connect.
func New(connect TransportFactory, opts ...Option) *Reconciler {
	r := &Reconciler{
		connect:         connect,
		backupRoot:      DefaultBackupRoot,
		defaultNetwork:  DefaultPreferredNetwork,
		trustedNetworks: []string{DefaultTrustedNetwork},
		authMethod:      DefaultAuthMethod,
		actor:           DefaultActor,
		longTimeout:     ssh.DefaultLongCommandTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var validate = validator.New()

func validateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		return invalid("invalid request", err)
	}
	return nil
}

// outcome is implemented by every result type so the session can label
// metrics and the journal. Implementations must accept a nil receiver.
type outcome interface {
	outcome() (action, message string)
}

// countingExecutor tallies command outcomes for the remote command metric.
type countingExecutor struct {
	ssh.Transport
	ok, nonzero, failed int
}

func (c *countingExecutor) Execute(ctx context.Context, cmd string, timeout time.Duration) (*ssh.CommandResult, error) {
	result, err := c.Transport.Execute(ctx, cmd, timeout)
	c.count(result, err)
	return result, err
}

func (c *countingExecutor) ExecuteWithStdin(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (*ssh.CommandResult, error) {
	result, err := c.Transport.ExecuteWithStdin(ctx, cmd, stdin, timeout)
	c.count(result, err)
	return result, err
}

func (c *countingExecutor) count(result *ssh.CommandResult, err error) {
	switch {
	case err != nil:
		c.failed++
	case result.Success():
		c.ok++
	default:
		c.nonzero++
	}
}

// session is the connect/disconnect bracket of one operation.
type session struct {
	r         *Reconciler
	op        *telemetry.Operation
	transport ssh.Transport
	exec      *countingExecutor
	podman    *podman.Client
	host      string
	run       *stores.Run
}

func (s *session) ctx() context.Context {
	return s.op.Ctx
}

// begin opens a transport, starts telemetry and journals the run.
func (r *Reconciler) begin(ctx context.Context, operation, target string, attrs ...attribute.KeyValue) (*session, error) {
	transport, err := r.connect()
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	host := transport.GetConnectionInfo().Host
	op := telemetry.StartOperation(ctx, operation, host, attrs...)
	s := &session{r: r, op: op, transport: transport, host: host}

	if r.journal != nil {
		run := &stores.Run{
			ID:        uuid.NewString(),
			Operation: operation,
			Host:      host,
			Target:    target,
			Status:    stores.RunStatusRunning,
			StartedAt: r.now().UTC(),
		}
		if err := r.journal.CreateRun(op.Ctx, run); err != nil {
			op.Logger.WithError(err).Warn("Failed to journal run")
		} else {
			s.run = run
		}
	}

	if err := transport.Connect(op.Ctx); err != nil {
		s.end(nil, err)
		return nil, err
	}

	s.exec = &countingExecutor{Transport: transport}
	s.podman = podman.New(s.exec, podman.WithLongTimeout(r.longTimeout))
	return s, nil
}

// end disconnects and closes telemetry and the journal entry.
func (s *session) end(res outcome, err error) {
	action, message := "", ""
	if res != nil {
		action, message = res.outcome()
	}

	class := ClassOf(err)
	label := action
	switch {
	case err != nil:
		label = "failed"
	case label == "":
		label = "ok"
	}

	metrics := s.op.Metrics()
	if s.exec != nil {
		metrics.RecordRemoteCommands("ok", s.exec.ok)
		metrics.RecordRemoteCommands("nonzero", s.exec.nonzero)
		metrics.RecordRemoteCommands("error", s.exec.failed)
	}
	metrics.RecordReconnects(s.host, s.transport.GetConnectionInfo().Reconnects)

	if derr := s.transport.Disconnect(); derr != nil {
		s.op.Logger.WithError(derr).Debug("Disconnect failed")
	}

	if err != nil {
		s.op.Logger.WithError(err).WithField("class", string(class)).Warn(firstNonEmpty(message, "Operation failed"))
	} else {
		s.op.Logger.WithField("action", label).Info(firstNonEmpty(message, "Operation completed"))
	}

	if s.run != nil {
		now := s.r.now().UTC()
		s.run.CompletedAt = &now
		s.run.Action = action
		s.run.Message = message
		s.run.Status = stores.RunStatusSucceeded
		if err != nil {
			s.run.Status = stores.RunStatusFailed
			c, e := string(class), err.Error()
			s.run.ErrorClass = &c
			s.run.Error = &e
		}
		if jerr := s.r.journal.CompleteRun(context.WithoutCancel(s.ctx()), s.run); jerr != nil {
			s.op.Logger.WithError(jerr).Warn("Failed to complete journaled run")
		}
	}

	s.op.End(label, string(class), err)
}

// runID returns the journal id of the session, if journaled.
func (s *session) runID() *string {
	if s.run == nil {
		return nil
	}
	id := s.run.ID
	return &id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
