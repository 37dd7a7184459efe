package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codeb/reconciler/pkg/config"
	"github.com/codeb/reconciler/pkg/reconcile"
	"github.com/codeb/reconciler/pkg/transports/ssh"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"usage", &usageError{msg: "bad flag"}, 2},
		{"invalid", reconcile.ErrInvalidRequest, 2},
		{"unavailable", fmt.Errorf("pghba: %w", reconcile.ErrResourceUnavailable), 3},
		{"network", reconcile.ErrNetworkUnavailable, 3},
		{"busy", reconcile.ErrResourceBusy, 4},
		{"policy", reconcile.ErrPolicyDenied, 5},
		{"transport", &ssh.TransportError{Op: "connect", Kind: ssh.ErrConnect}, 6},
		{"joined", errors.Join(errors.New("step"), reconcile.ErrResourceBusy), 4},
		{"other", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()

	output = outputText
	root := newRootCommand("1.2.3", "abc123", "2026-03-14")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionOutput(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		out, err := runRoot(t, "version")
		if err != nil {
			t.Fatalf("version failed: %v", err)
		}
		if !strings.Contains(out, "codeb 1.2.3 (commit: abc123") {
			t.Errorf("unexpected output %q", out)
		}
	})

	t.Run("json", func(t *testing.T) {
		out, err := runRoot(t, "version", "--output", "json")
		if err != nil {
			t.Fatalf("version failed: %v", err)
		}
		var info map[string]string
		if err := json.Unmarshal([]byte(out), &info); err != nil {
			t.Fatalf("invalid json %q: %v", out, err)
		}
		if info["version"] != "1.2.3" || info["commit"] != "abc123" {
			t.Errorf("unexpected info %v", info)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := runRoot(t, "version", "-o", "yaml")
		if err != nil {
			t.Fatalf("version failed: %v", err)
		}
		if !strings.Contains(out, "build_date: \"2026-03-14\"") && !strings.Contains(out, "build_date: 2026-03-14") {
			t.Errorf("unexpected yaml %q", out)
		}
	})
}

func TestInvalidOutputFormat(t *testing.T) {
	_, err := runRoot(t, "version", "--output", "xml")
	if ExitCode(err) != 2 {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestTransportForDesiredHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codeb.yaml")
	content := `
server:
  host: db1.example.com
  user: deploy
  password: secret
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	settings, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	a := &app{settings: settings}

	for _, host := range []string{"db1.example.com", "db2.example.com"} {
		transport, err := a.transportFor(host)()
		if err != nil {
			t.Fatalf("transport for %s: %v", host, err)
		}
		info := transport.GetConnectionInfo()
		if info.Host != host || info.User != "deploy" {
			t.Errorf("expected deploy@%s, got %s@%s", host, info.User, info.Host)
		}
	}
	if settings.Server.Host != "db1.example.com" {
		t.Errorf("expected configured host untouched, got %s", settings.Server.Host)
	}
}
