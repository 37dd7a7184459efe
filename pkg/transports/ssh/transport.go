// Package ssh provides the remote execution transport used to drive
// container hosts. A transport owns one logical SSH connection and
// transparently reconnects and retries when that connection drops.
package ssh

import (
	"context"
	"strings"
	"time"
)

// Transport defines the remote execution contract.
type Transport interface {
	// Connect establishes a session, tearing down any previous one first.
	Connect(ctx context.Context) error

	// Disconnect closes the session. It never fails.
	Disconnect() error

	// IsConnected returns true if the transport has a live session.
	IsConnected() bool

	// HealthCheck verifies the session is still responsive.
	HealthCheck(ctx context.Context) error

	// Execute runs a command and returns its result. A nonzero exit code is
	// not an error. A zero timeout selects the configured default.
	Execute(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error)

	// ExecuteWithStdin is Execute with bytes streamed to the remote stdin.
	ExecuteWithStdin(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (*CommandResult, error)

	// ExecuteSequence runs commands in order, stopping only on transport
	// errors. It returns every result collected before the failure.
	ExecuteSequence(ctx context.Context, cmds []string) ([]*CommandResult, error)

	// ExecuteScript uploads a script and runs it with the long timeout.
	ExecuteScript(ctx context.Context, script string, interpreter string) (*CommandResult, error)

	// ReadRemoteFile returns the raw contents of a remote file.
	ReadRemoteFile(ctx context.Context, path string) ([]byte, error)

	// WriteRemoteFile replaces a remote file, creating parent directories.
	WriteRemoteFile(ctx context.Context, path string, content []byte) error

	// FileExists reports whether a regular file exists at path.
	FileExists(ctx context.Context, path string) (bool, error)

	// DirExists reports whether a directory exists at path.
	DirExists(ctx context.Context, path string) (bool, error)

	// ComputeChecksum returns the SHA256 checksum of a remote file.
	ComputeChecksum(ctx context.Context, path string) (string, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an SSH connection.
type ConnectionInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`

	// AuthMethod is "key" or "password"
	AuthMethod string `json:"auth_method,omitempty"`

	Connected    bool      `json:"connected"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`

	// Reconnects counts reconnections performed by the retry path
	Reconnects int `json:"reconnects"`
}

// CommandResult is the immutable outcome of one remote command.
type CommandResult struct {
	Command    string        `json:"command"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Success reports a zero exit code.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Output returns stdout with surrounding whitespace removed.
func (r *CommandResult) Output() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Stdout)
}

// ErrorOutput returns stderr with surrounding whitespace removed.
func (r *CommandResult) ErrorOutput() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Stderr)
}
