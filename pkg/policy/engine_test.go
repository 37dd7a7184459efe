package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("expected 2 built-in policies, got %d", len(policies))
	}
	if policies[0].Name != "production-recreate" || policies[1].Name != "volume-naming" {
		t.Errorf("unexpected built-in policies: %v", policies)
	}
}

func TestEvaluateIntent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		intent     Intent
		allowed    bool
		warnings   int
		wantReason string
	}{
		{
			name:       "recreate in production",
			intent:     Intent{Action: ActionVolumeRecreate, Volume: "codeb-postgres-shop-production", Environment: "production"},
			allowed:    false,
			wantReason: "--force",
		},
		{
			name:    "forced recreate in production",
			intent:  Intent{Action: ActionVolumeRecreate, Volume: "codeb-postgres-shop-production", Environment: "production", Force: true},
			allowed: true,
		},
		{
			name:    "backup and recreate in production",
			intent:  Intent{Action: ActionVolumeBackupAndRecreate, Volume: "codeb-postgres-shop-production", Environment: "Production"},
			allowed: true,
		},
		{
			name:    "recreate in staging",
			intent:  Intent{Action: ActionVolumeRecreate, Volume: "codeb-redis-shop-staging", Environment: "staging"},
			allowed: true,
		},
		{
			name:       "restore over mounted production volume",
			intent:     Intent{Action: ActionVolumeRestore, Volume: "codeb-postgres-shop-prod", Environment: "prod", Users: []string{"web"}},
			allowed:    false,
			wantReason: "--force",
		},
		{
			name:     "unmanaged volume",
			intent:   Intent{Action: ActionVolumeRecreate, Volume: "scratch", Environment: "staging"},
			allowed:  true,
			warnings: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(ctx, &tt.intent)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("expected allowed=%v, got %v (violations: %v)", tt.allowed, decision.Allowed, decision.Violations)
			}
			if len(decision.Warnings) != tt.warnings {
				t.Errorf("expected %d warnings, got %v", tt.warnings, decision.Warnings)
			}
			if !tt.allowed && decision.Reason() == "" {
				t.Error("expected a reason for a denied intent")
			}
			if !strings.Contains(decision.Reason(), tt.wantReason) {
				t.Errorf("expected reason to mention %q, got %q", tt.wantReason, decision.Reason())
			}
		})
	}
}

func TestSetEnabled(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.SetEnabled("production-recreate", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decision, err := eng.Evaluate(context.Background(), &Intent{
		Action:      ActionVolumeRecreate,
		Volume:      "codeb-postgres-shop-production",
		Environment: "production",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Error("expected disabled policy to be skipped")
	}

	if err := eng.SetEnabled("missing", true); err == nil {
		t.Error("expected error for unknown policy")
	}
}

const freezeRego = `# Freeze all destructive changes.
package codeb.policies.freeze

import rego.v1

deny contains "change freeze in effect" if {
	input.action != ""
}
`

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(freezeRego), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	policies := eng.ListPolicies()
	if len(policies) != 3 {
		t.Fatalf("expected 3 policies, got %d", len(policies))
	}

	var freeze *Policy
	for i := range policies {
		if policies[i].Name == "freeze" {
			freeze = &policies[i]
		}
	}
	if freeze == nil {
		t.Fatal("expected freeze policy")
	}
	if freeze.Description != "Freeze all destructive changes." {
		t.Errorf("unexpected description %q", freeze.Description)
	}

	decision, err := eng.Evaluate(ctx, &Intent{Action: ActionVolumeBackupAndRecreate, Volume: "codeb-app-data-shop-dev"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || !strings.Contains(decision.Reason(), "change freeze") {
		t.Errorf("expected freeze to deny, got %+v", decision)
	}
}

func TestLoadPoliciesRejectsInvalidRego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains {"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Fatal("expected compile error")
	}
	if len(eng.ListPolicies()) != 2 {
		t.Error("expected failed load to leave policies unchanged")
	}
}

func TestWatchReloadsPolicies(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := NewLoader(zerolog.Nop()).Watch(ctx, []string{dir}, eng); err != nil {
		t.Fatalf("failed to watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(freezeRego), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(eng.ListPolicies()) == 3 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected watcher to load the new policy")
}
