package ssh

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecute(t *testing.T) {
	server := newTestSSHServer(t)
	client, _ := newTestClient(t, server)
	ctx := context.Background()

	t.Run("stdout", func(t *testing.T) {
		result, err := client.Execute(ctx, "echo test", 0)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if result.Output() != "test" {
			t.Errorf("expected stdout 'test', got '%s'", result.Stdout)
		}
		if result.ExitCode != 0 {
			t.Errorf("expected exit code 0, got %d", result.ExitCode)
		}
	})

	t.Run("stderr", func(t *testing.T) {
		result, err := client.Execute(ctx, "echo error >&2", 0)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if result.Stdout != "" {
			t.Errorf("expected empty stdout, got '%s'", result.Stdout)
		}
		if result.ErrorOutput() != "error" {
			t.Errorf("expected stderr 'error', got '%s'", result.Stderr)
		}
	})

	t.Run("nonzero exit is not an error", func(t *testing.T) {
		result, err := client.Execute(ctx, "echo partial; exit 3", 0)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if result.ExitCode != 3 {
			t.Errorf("expected exit code 3, got %d", result.ExitCode)
		}
		if result.Output() != "partial" {
			t.Errorf("expected stdout 'partial', got '%s'", result.Stdout)
		}
		if result.Success() {
			t.Error("expected Success() to be false")
		}
	})

	t.Run("stdin", func(t *testing.T) {
		result, err := client.ExecuteWithStdin(ctx, "cat", []byte("from stdin"), 0)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if result.Stdout != "from stdin" {
			t.Errorf("expected 'from stdin', got '%s'", result.Stdout)
		}
	})
}

func TestExecuteTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client, waits := newTestClient(t, server)

	_, err := client.Execute(context.Background(), "sleep 2", 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if IsConnectionError(err) {
		t.Error("timeout must not be classified as a connection error")
	}
	if len(*waits) != 0 {
		t.Errorf("expected no retries after a timeout, got %d", len(*waits))
	}
	if got := server.connections.Load(); got != 1 {
		t.Errorf("expected a single connection, got %d", got)
	}
}

func TestExecuteReconnectsOnce(t *testing.T) {
	server := newTestSSHServer(t)
	client, waits := newTestClient(t, server)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	server.dropExecs.Store(1)

	result, err := client.Execute(ctx, "echo hello", 0)
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if result.Output() != "hello" {
		t.Errorf("expected 'hello', got '%s'", result.Stdout)
	}

	if info := client.GetConnectionInfo(); info.Reconnects != 1 {
		t.Errorf("expected exactly one reconnection, got %d", info.Reconnects)
	}
	if got := server.connections.Load(); got != 2 {
		t.Errorf("expected 2 handshakes, got %d", got)
	}
	if len(*waits) != 1 || (*waits)[0] != time.Second {
		t.Errorf("expected a single 1s backoff, got %v", *waits)
	}

	// The command ran exactly once on the host.
	count := 0
	for _, cmd := range server.executed() {
		if cmd == "echo hello" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected the command to run once, ran %d times", count)
	}
}

func TestExecuteGivesUpAfterRetryCeiling(t *testing.T) {
	server := newTestSSHServer(t)
	client, waits := newTestClient(t, server)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	server.dropOn("echo never")

	_, err := client.Execute(ctx, "echo never", 0)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*waits) != len(want) {
		t.Fatalf("expected backoffs %v, got %v", want, *waits)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Errorf("backoff %d: expected %v, got %v", i, want[i], (*waits)[i])
		}
	}

	if info := client.GetConnectionInfo(); info.Reconnects != 2 {
		t.Errorf("expected 2 reconnections, got %d", info.Reconnects)
	}
}

func TestExecuteSequence(t *testing.T) {
	server := newTestSSHServer(t)
	client, _ := newTestClient(t, server)
	ctx := context.Background()

	t.Run("nonzero exit does not stop the sequence", func(t *testing.T) {
		results, err := client.ExecuteSequence(ctx, []string{"echo a", "exit 2", "echo c"})
		if err != nil {
			t.Fatalf("sequence failed: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}
		if results[1].ExitCode != 2 {
			t.Errorf("expected exit code 2, got %d", results[1].ExitCode)
		}
		if results[2].Output() != "c" {
			t.Errorf("expected 'c', got '%s'", results[2].Stdout)
		}
	})

	t.Run("transport failure short-circuits", func(t *testing.T) {
		server.dropOn("echo boom")
		defer server.dropOn("")

		results, err := client.ExecuteSequence(ctx, []string{"echo a", "echo boom", "echo c"})
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected connection lost, got %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("expected 1 collected result, got %d", len(results))
		}
		if results[0].Output() != "a" {
			t.Errorf("expected 'a', got '%s'", results[0].Stdout)
		}
	})
}

func TestExecuteScript(t *testing.T) {
	server := newTestSSHServer(t)
	client, _ := newTestClient(t, server)

	result, err := client.ExecuteScript(context.Background(), "x=4\necho $((x * 2))\n", "sh")
	if err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if result.Output() != "8" {
		t.Errorf("expected '8', got '%s'", result.Stdout)
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"channel failure", errors.New("ssh: channel open failure"), true},
		{"not connected", &TransportError{Op: "session", Kind: ErrNotConnected}, true},
		{"timeout kind", &TransportError{Op: "execute", Kind: ErrTimeout}, false},
		{"auth kind", &TransportError{Op: "connect", Kind: ErrAuthentication}, false},
		{"canceled", context.Canceled, false},
		{"command failure", errors.New("no such file or directory"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
