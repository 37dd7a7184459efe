package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		// Migrating an up-to-date database is a no-op.
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migration %d failed: %v", i, err)
		}
		if err := store.HealthCheck(ctx); err != nil {
			t.Fatalf("health check failed: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "volume_backups", "audit"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunJournal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	run := &Run{
		ID:        "run-1",
		Operation: "ensure_volume",
		Host:      "db1",
		Target:    "codeb-postgres-shop-prod",
		Status:    RunStatusRunning,
		StartedAt: started,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	class, msg := "busy", "volume in use by [web]"
	run.Status = RunStatusFailed
	run.Action = "failed"
	run.ErrorClass = &class
	run.Error = &msg
	if err := store.CompleteRun(ctx, run); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("expected error %q, got %v", msg, got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected completion time")
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("expected start %v, got %v", started, got.StartedAt)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.CompleteRun(ctx, &Run{ID: "missing", Status: RunStatusSucceeded}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound completing unknown run, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ops := []string{"ensure_network", "ensure_volume", "ensure_network"}
	for i, op := range ops {
		run := &Run{
			ID:        string(rune('a' + i)),
			Operation: op,
			Host:      "db1",
			Target:    "x",
			Status:    RunStatusSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	all, err := store.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("expected 3 runs newest first, got %d starting %v", len(all), all)
	}

	op := "ensure_network"
	filtered, err := store.ListRuns(ctx, &op, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 network runs, got %d", len(filtered))
	}
}

func TestVolumeBackups(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, path := range []string{"/b/v-1.tar", "/b/v-2.tar"} {
		backup := &VolumeBackup{
			ID:        path,
			Host:      "db1",
			Volume:    "v",
			Path:      path,
			Checksum:  "sum",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.RecordBackup(ctx, backup); err != nil {
			t.Fatalf("failed to record backup: %v", err)
		}
	}

	// Re-recording a path replaces its checksum.
	if err := store.RecordBackup(ctx, &VolumeBackup{ID: "new", Host: "db1", Volume: "v", Path: "/b/v-1.tar", Checksum: "changed", CreatedAt: base}); err != nil {
		t.Fatalf("failed to re-record backup: %v", err)
	}

	got, err := store.GetBackupByPath(ctx, "db1", "/b/v-1.tar")
	if err != nil {
		t.Fatalf("failed to get backup: %v", err)
	}
	if got.Checksum != "changed" {
		t.Errorf("expected replaced checksum, got %s", got.Checksum)
	}

	if _, err := store.GetBackupByPath(ctx, "db2", "/b/v-1.tar"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another host, got %v", err)
	}

	backups, err := store.ListBackups(ctx, "db1", "v")
	if err != nil {
		t.Fatalf("failed to list backups: %v", err)
	}
	if len(backups) != 2 || backups[0].Path != "/b/v-2.tar" {
		t.Errorf("expected 2 backups newest first, got %v", backups)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, decision := range []string{"allow", "deny"} {
		entry := &AuditEntry{
			Action:    "volume.recreate",
			Actor:     "operator",
			Target:    "codeb-postgres-shop-production",
			Decision:  decision,
			Timestamp: time.Now().UTC(),
		}
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected generated ID")
		}
	}

	action := "volume.recreate"
	entries, err := store.ListAuditEntries(ctx, &action, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Decision != "deny" {
		t.Errorf("expected newest entry first, got %v", entries)
	}
}
