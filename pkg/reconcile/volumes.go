package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeb/reconciler/pkg/podman"
	"github.com/codeb/reconciler/pkg/policy"
	"github.com/codeb/reconciler/pkg/stores"
	"github.com/codeb/reconciler/pkg/telemetry"
)

// VolumeIntent is the declared lifecycle of a volume.
type VolumeIntent string

const (
	IntentCreateIfAbsent    VolumeIntent = "create-if-absent"
	IntentRecreate          VolumeIntent = "recreate"
	IntentBackupAndRecreate VolumeIntent = "backup-and-recreate"
)

// Volume actions reported in results.
const (
	ActionCreated              = "created"
	ActionReused               = "reused"
	ActionRecreated            = "recreated"
	ActionBackedUpAndRecreated = "backed-up-and-recreated"
	ActionRestored             = "restored"
)

// BackupTimeFormat stamps backup artifacts. It sorts lexically by time.
const BackupTimeFormat = "20060102T150405Z"

var backupName = regexp.MustCompile(`^(.+)-(\d{8}T\d{6}Z)\.tar$`)

// VolumeRequest identifies a project volume and what should happen to it.
type VolumeRequest struct {
	Project     string       `json:"project" yaml:"project" validate:"required"`
	Kind        string       `json:"kind" yaml:"kind" validate:"required,oneof=postgres redis app-data"`
	Environment string       `json:"environment" yaml:"environment" validate:"required"`
	Intent      VolumeIntent `json:"intent" yaml:"intent" validate:"omitempty,oneof=create-if-absent recreate backup-and-recreate"`
	// Force is passed to policies guarding destructive intents.
	Force bool `json:"force" yaml:"force"`
}

// VolumeResult reports what EnsureVolume did.
type VolumeResult struct {
	Success    bool     `json:"success" yaml:"success"`
	VolumeName string   `json:"volume_name" yaml:"volume_name"`
	Action     string   `json:"action,omitempty" yaml:"action,omitempty"`
	BackupPath string   `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`
	Checksum   string   `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Users      []string `json:"users,omitempty" yaml:"users,omitempty"`
	Warnings   []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Message    string   `json:"message" yaml:"message"`
}

func (r *VolumeResult) outcome() (string, string) {
	if r == nil {
		return "", ""
	}
	return r.Action, r.Message
}

// RestoreRequest names a volume and the backup archive to load into it.
type RestoreRequest struct {
	VolumeName  string `json:"volume_name" yaml:"volume_name" validate:"required"`
	BackupPath  string `json:"backup_path" yaml:"backup_path" validate:"required"`
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Force       bool   `json:"force" yaml:"force"`
}

// RestoreResult reports what RestoreVolume did.
type RestoreResult struct {
	Success    bool   `json:"success" yaml:"success"`
	VolumeName string `json:"volume_name" yaml:"volume_name"`
	BackupPath string `json:"backup_path" yaml:"backup_path"`
	Created    bool   `json:"created" yaml:"created"`
	Verified   bool   `json:"verified" yaml:"verified"`
	Message    string `json:"message" yaml:"message"`
}

func (r *RestoreResult) outcome() (string, string) {
	if r == nil {
		return "", ""
	}
	if r.Success {
		return ActionRestored, r.Message
	}
	return "", r.Message
}

// BackupInfo is one archive found in the backup root.
type BackupInfo struct {
	Path       string     `json:"path" yaml:"path"`
	VolumeName string     `json:"volume_name" yaml:"volume_name"`
	TakenAt    *time.Time `json:"taken_at,omitempty" yaml:"taken_at,omitempty"`
	Checksum   string     `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Journaled  bool       `json:"journaled" yaml:"journaled"`
}

type backupListing []BackupInfo

func (b backupListing) outcome() (string, string) {
	return "listed", fmt.Sprintf("Found %d backups", len(b))
}

// EnsureVolume drives the project's volume to the requested intent. The
// volume name is derived from project, kind and environment. Destructive
// intents never run while any container references the volume.
func (r *Reconciler) EnsureVolume(ctx context.Context, req VolumeRequest) (res *VolumeResult, err error) {
	if req.Intent == "" {
		req.Intent = IntentCreateIfAbsent
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	name := podman.VolumeName(req.Project, req.Kind, req.Environment)
	s, err := r.begin(ctx, OpEnsureVolume, name, telemetry.AttrVolume.String(name))
	if err != nil {
		return nil, err
	}
	defer func() { s.end(res, err) }()

	res = &VolumeResult{VolumeName: name}

	exists, err := s.podman.VolumeExists(s.ctx(), name)
	if err != nil {
		return res, err
	}

	if !exists {
		if err := s.podman.CreateVolume(s.ctx(), name); err != nil {
			res.Message = "Failed to create volume: " + StderrOf(err)
			return res, reconcileFailed(name, "create volume", err)
		}
		res.Success = true
		res.Action = ActionCreated
		res.Message = fmt.Sprintf("Volume %s created", name)
		return res, nil
	}

	if req.Intent == IntentCreateIfAbsent {
		res.Success = true
		res.Action = ActionReused
		res.Message = fmt.Sprintf("Volume %s already exists, reusing", name)
		return res, nil
	}

	users, err := s.podman.VolumeUsers(s.ctx(), name)
	if err != nil {
		return res, err
	}
	if len(users) > 0 {
		res.Users = users
		res.Message = fmt.Sprintf("Volume %s is in use by: %s. Stop containers first.", name, strings.Join(users, ", "))
		return res, busy(name, "in use by "+strings.Join(users, ", "))
	}

	action := policy.ActionVolumeRecreate
	if req.Intent == IntentBackupAndRecreate {
		action = policy.ActionVolumeBackupAndRecreate
	}
	warnings, err := s.authorize(&policy.Intent{
		Action:      action,
		Host:        s.host,
		Volume:      name,
		Project:     req.Project,
		Environment: req.Environment,
		Actor:       r.actor,
		Force:       req.Force,
	})
	res.Warnings = warnings
	if err != nil {
		res.Message = "Refused by policy: " + err.Error()
		return res, err
	}

	if req.Intent == IntentBackupAndRecreate {
		backup, err := s.backupVolume(name)
		if err != nil {
			res.Message = "Failed to backup volume: " + firstNonEmpty(StderrOf(err), err.Error())
			return res, err
		}
		res.BackupPath = backup.Path
		res.Checksum = backup.Checksum
	}

	if err := s.podman.RemoveVolume(s.ctx(), name); err != nil {
		res.Message = "Failed to remove volume: " + StderrOf(err)
		return res, reconcileFailed(name, "remove volume", err)
	}
	if err := s.podman.CreateVolume(s.ctx(), name); err != nil {
		res.Message = fmt.Sprintf("Volume %s removed but could not be created again: %s", name, StderrOf(err))
		return res, reconcileFailed(name, "create volume", err)
	}

	res.Success = true
	if req.Intent == IntentBackupAndRecreate {
		res.Action = ActionBackedUpAndRecreated
		res.Message = fmt.Sprintf("Volume %s backed up to %s and recreated", name, res.BackupPath)
	} else {
		res.Action = ActionRecreated
		res.Message = fmt.Sprintf("Volume %s recreated (data deleted)", name)
	}
	return res, nil
}

// authorize asks the guard about a destructive intent and audits the
// answer. It returns the non-blocking warnings.
func (s *session) authorize(intent *policy.Intent) ([]string, error) {
	if s.r.guard == nil {
		return nil, nil
	}

	decision, err := s.r.guard.Evaluate(s.ctx(), intent)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	warnings := make([]string, 0, len(decision.Warnings))
	for _, w := range decision.Warnings {
		warnings = append(warnings, w.Message)
	}

	verdict := "allow"
	if !decision.Allowed {
		verdict = "deny"
	}
	s.audit(intent, verdict, decision.Reason())

	if !decision.Allowed {
		return warnings, newError(ClassPolicyDenied, intent.Volume, decision.Reason(), nil)
	}
	return warnings, nil
}

func (s *session) audit(intent *policy.Intent, verdict, reason string) {
	if s.r.journal == nil {
		return
	}
	entry := &stores.AuditEntry{
		Action:    intent.Action,
		Actor:     intent.Actor,
		Target:    intent.Volume,
		Decision:  verdict,
		Timestamp: s.r.now().UTC(),
	}
	if reason != "" {
		entry.Details = &reason
	}
	if err := s.r.journal.CreateAuditEntry(s.ctx(), entry); err != nil {
		s.op.Logger.WithError(err).Warn("Failed to write audit entry")
	}
}

// backupVolume exports the volume into the backup root and records the
// archive. Any failure aborts before the volume is touched.
func (s *session) backupVolume(name string) (*stores.VolumeBackup, error) {
	metrics := s.op.Metrics()
	root := s.r.backupRoot

	if err := s.podman.EnsureDir(s.ctx(), root); err != nil {
		metrics.RecordBackup(false)
		return nil, reconcileFailed(name, "create backup directory "+root, err)
	}

	taken := s.r.now().UTC()
	backupPath := path.Join(root, fmt.Sprintf("%s-%s.tar", name, taken.Format(BackupTimeFormat)))

	s.op.Logger.WithResource("volume", name).Infof("Exporting volume to %s", backupPath)
	if err := s.podman.ExportVolume(s.ctx(), name, backupPath); err != nil {
		metrics.RecordBackup(false)
		return nil, reconcileFailed(name, "export volume", err)
	}

	sum, err := s.transport.ComputeChecksum(s.ctx(), backupPath)
	if err != nil {
		metrics.RecordBackup(false)
		return nil, reconcileFailed(name, "checksum "+backupPath, err)
	}
	metrics.RecordBackup(true)

	backup := &stores.VolumeBackup{
		ID:        uuid.NewString(),
		RunID:     s.runID(),
		Host:      s.host,
		Volume:    name,
		Path:      backupPath,
		Checksum:  sum,
		CreatedAt: taken,
	}
	if s.r.journal != nil {
		if err := s.r.journal.RecordBackup(s.ctx(), backup); err != nil {
			s.op.Logger.WithError(err).Warn("Failed to journal backup")
		}
	}
	return backup, nil
}

// RestoreVolume loads a backup archive into a volume, creating the volume
// when needed. If the journal knows the archive its checksum is verified
// first. A volume created here is removed again when the import fails.
func (r *Reconciler) RestoreVolume(ctx context.Context, req RestoreRequest) (res *RestoreResult, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	name := req.VolumeName

	s, err := r.begin(ctx, OpRestoreVolume, name, telemetry.AttrVolume.String(name))
	if err != nil {
		return nil, err
	}
	defer func() { s.end(res, err) }()

	res = &RestoreResult{VolumeName: name, BackupPath: req.BackupPath}

	found, err := s.transport.FileExists(s.ctx(), req.BackupPath)
	if err != nil {
		return res, err
	}
	if !found {
		res.Message = "Backup file not found: " + req.BackupPath
		return res, unavailable(req.BackupPath, "backup not found", nil)
	}

	if r.journal != nil {
		known, jerr := r.journal.GetBackupByPath(s.ctx(), s.host, req.BackupPath)
		switch {
		case jerr == nil:
			sum, err := s.transport.ComputeChecksum(s.ctx(), req.BackupPath)
			if err != nil {
				return res, err
			}
			if sum != known.Checksum {
				res.Message = fmt.Sprintf("Backup %s does not match its recorded checksum", req.BackupPath)
				return res, reconcileFailed(req.BackupPath, "checksum mismatch", nil)
			}
			res.Verified = true
		case !errors.Is(jerr, stores.ErrNotFound):
			s.op.Logger.WithError(jerr).Warn("Failed to look up backup in journal")
		}
	}

	users, err := s.podman.VolumeUsers(s.ctx(), name)
	if err != nil {
		return res, err
	}
	if _, err := s.authorize(&policy.Intent{
		Action:      policy.ActionVolumeRestore,
		Host:        s.host,
		Volume:      name,
		Environment: req.Environment,
		Actor:       r.actor,
		Force:       req.Force,
		Users:       users,
	}); err != nil {
		res.Message = "Refused by policy: " + err.Error()
		return res, err
	}

	exists, err := s.podman.VolumeExists(s.ctx(), name)
	if err != nil {
		return res, err
	}
	if !exists {
		if err := s.podman.CreateVolume(s.ctx(), name); err != nil {
			res.Message = "Failed to create volume: " + StderrOf(err)
			return res, reconcileFailed(name, "create volume", err)
		}
		res.Created = true
	}

	if err := s.podman.ImportVolume(s.ctx(), name, req.BackupPath); err != nil {
		res.Message = "Failed to restore volume: " + StderrOf(err)
		if res.Created {
			if rmErr := s.podman.RemoveVolume(s.ctx(), name); rmErr != nil {
				s.op.Logger.WithError(rmErr).Warn("Failed to remove volume after failed import")
			} else {
				res.Created = false
			}
		}
		return res, reconcileFailed(name, "import volume", err)
	}

	res.Success = true
	res.Message = fmt.Sprintf("Volume %s restored from %s", name, req.BackupPath)
	return res, nil
}

// ListBackups lists archives in the backup root, newest first. An empty
// volume name lists every volume's archives.
func (r *Reconciler) ListBackups(ctx context.Context, volume string) (backups []BackupInfo, err error) {
	s, err := r.begin(ctx, OpListBackups, volume)
	if err != nil {
		return nil, err
	}
	defer func() { s.end(backupListing(backups), err) }()

	entries, err := s.podman.ListDir(s.ctx(), r.backupRoot)
	if err != nil {
		return nil, err
	}

	known := map[string]*stores.VolumeBackup{}
	if r.journal != nil {
		recorded, jerr := r.journal.ListBackups(s.ctx(), s.host, volume)
		if jerr != nil {
			s.op.Logger.WithError(jerr).Warn("Failed to list journaled backups")
		}
		for _, b := range recorded {
			known[b.Path] = b
		}
	}

	for _, entry := range entries {
		m := backupName.FindStringSubmatch(entry)
		if m == nil || (volume != "" && m[1] != volume) {
			continue
		}
		info := BackupInfo{Path: path.Join(r.backupRoot, entry), VolumeName: m[1]}
		if taken, perr := time.Parse(BackupTimeFormat, m[2]); perr == nil {
			info.TakenAt = &taken
		}
		if b, ok := known[info.Path]; ok {
			info.Checksum = b.Checksum
			info.Journaled = true
		}
		backups = append(backups, info)
	}

	sort.SliceStable(backups, func(i, j int) bool {
		ti, tj := backups[i].TakenAt, backups[j].TakenAt
		if ti == nil || tj == nil {
			return ti != nil
		}
		return ti.After(*tj)
	})
	return backups, nil
}
