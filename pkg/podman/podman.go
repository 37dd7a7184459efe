// Package podman drives a remote Podman installation through its command
// line. Probes return typed values and treat absence as a normal result;
// only transport failures and failed mutations are errors.
package podman

import (
	"context"
	"fmt"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog/log"

	"github.com/codeb/reconciler/pkg/transports/ssh"
)

// Executor runs shell commands on the host that owns the Podman runtime.
// *ssh.SSHClient satisfies it.
type Executor interface {
	Execute(ctx context.Context, cmd string, timeout time.Duration) (*ssh.CommandResult, error)
	ExecuteWithStdin(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (*ssh.CommandResult, error)
}

// CommandError reports a runtime command that exited nonzero. Stderr is kept
// verbatim for operators.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Client wraps an Executor with Podman probes and actions.
type Client struct {
	exec        Executor
	longTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLongTimeout sets the budget for volume exports and imports.
func WithLongTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.longTimeout = d
	}
}

// New returns a Client issuing commands through exec.
func New(exec Executor, opts ...Option) *Client {
	c := &Client{exec: exec, longTimeout: ssh.DefaultLongCommandTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes podman with quoted args and the default timeout.
func (c *Client) run(ctx context.Context, args ...string) (*ssh.CommandResult, error) {
	return c.exec.Execute(ctx, command(args...), 0)
}

// mustRun is run but converts a nonzero exit into a *CommandError.
func (c *Client) mustRun(ctx context.Context, timeout time.Duration, args ...string) (*ssh.CommandResult, error) {
	cmd := command(args...)
	result, err := c.exec.Execute(ctx, cmd, timeout)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return result, &CommandError{Command: cmd, ExitCode: result.ExitCode, Stderr: result.ErrorOutput()}
	}
	return result, nil
}

// exists maps the exit code of a "podman ... exists" probe to a boolean.
func (c *Client) exists(ctx context.Context, args ...string) (bool, error) {
	result, err := c.run(ctx, args...)
	if err != nil {
		return false, err
	}
	switch result.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &CommandError{Command: result.Command, ExitCode: result.ExitCode, Stderr: result.ErrorOutput()}
	}
}

// EnsureDir creates a directory on the host.
func (c *Client) EnsureDir(ctx context.Context, dir string) error {
	cmd := "mkdir -p " + shellescape.Quote(dir)
	result, err := c.exec.Execute(ctx, cmd, 0)
	if err != nil {
		return err
	}
	if !result.Success() {
		return &CommandError{Command: cmd, ExitCode: result.ExitCode, Stderr: result.ErrorOutput()}
	}
	return nil
}

// ListDir returns the names of entries in dir. A missing directory yields
// an empty list.
func (c *Client) ListDir(ctx context.Context, dir string) ([]string, error) {
	result, err := c.exec.Execute(ctx, "ls -1 "+shellescape.Quote(dir), 0)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		log.Debug().Str("dir", dir).Str("stderr", result.ErrorOutput()).Msg("directory not listable")
		return nil, nil
	}
	return lines(result.Stdout), nil
}

func command(args ...string) string {
	return "podman " + shellescape.QuoteCommand(args)
}

func lines(out string) []string {
	var res []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			res = append(res, line)
		}
	}
	return res
}
