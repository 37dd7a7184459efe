package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of a journaled operation.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one invocation of a reconciliation operation.
type Run struct {
	ID          string     `json:"id"`
	Operation   string     `json:"operation"`
	Host        string     `json:"host"`
	Target      string     `json:"target"` // container, volume or network name
	Status      RunStatus  `json:"status"`
	Action      string     `json:"action,omitempty"`
	Message     string     `json:"message,omitempty"`
	ErrorClass  *string    `json:"error_class,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// VolumeBackup is an archive written on the host before a volume was
// destroyed.
type VolumeBackup struct {
	ID        string    `json:"id"`
	RunID     *string   `json:"run_id,omitempty"`
	Host      string    `json:"host"`
	Volume    string    `json:"volume"`
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"` // sha256, hex
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records a policy decision on a destructive intent.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "volume.recreate"
	Actor     string    `json:"actor"`
	Target    string    `json:"target"`
	Decision  string    `json:"decision"` // allow or deny
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the journal persistence layer.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, operation *string, limit, offset int) ([]*Run, error)

	RecordBackup(ctx context.Context, backup *VolumeBackup) error
	GetBackupByPath(ctx context.Context, host, path string) (*VolumeBackup, error)
	ListBackups(ctx context.Context, host, volume string) ([]*VolumeBackup, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	HealthCheck(ctx context.Context) error
}
