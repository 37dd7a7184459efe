package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Execute runs a command on the remote host.
func (c *SSHClient) Execute(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	return c.executeWithRetry(ctx, cmd, nil, timeout)
}

// ExecuteWithStdin runs a command with stdin streamed from the given bytes.
func (c *SSHClient) ExecuteWithStdin(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (*CommandResult, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	if stdin == nil {
		stdin = []byte{}
	}
	return c.executeWithRetry(ctx, cmd, stdin, timeout)
}

// executeWithRetry runs the command, reconnecting and retrying on
// connection-class failures (must be called with execMu held).
func (c *SSHClient) executeWithRetry(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (*CommandResult, error) {
	if timeout <= 0 {
		timeout = c.config.CommandTimeout
	}

	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.config.RetryBackoff
			log.Warn().
				Err(lastErr).
				Str("host", c.config.Host).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("connection error, reconnecting")

			c.dropConnection()
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, &TransportError{Op: "execute", Err: err}
			}
			if err := c.Connect(ctx); err != nil {
				if !IsConnectionError(err) {
					return nil, err
				}
				lastErr = err
				continue
			}
			c.connMu.Lock()
			c.reconnects++
			c.connMu.Unlock()
		}

		result, err := c.runOnce(ctx, cmd, stdin, timeout)
		if err == nil {
			return result, nil
		}
		if !IsConnectionError(err) {
			return result, err
		}
		lastErr = err
	}

	return nil, &TransportError{
		Op:   "execute",
		Kind: ErrConnectionLost,
		Err:  fmt.Errorf("giving up after %d retries: %w", c.config.MaxRetries, lastErr),
	}
}

// runOnce executes a single attempt of cmd on the current session.
func (c *SSHClient) runOnce(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (*CommandResult, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	log.Debug().Str("command", cmd).Dur("timeout", timeout).Msg("executing command")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &CommandResult{Command: cmd, StartedAt: time.Now()}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = runCtx.Err()
	case execErr = <-doneChan:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	if errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		return result, &TransportError{
			Op:   "execute",
			Kind: ErrTimeout,
			Err:  fmt.Errorf("%q did not finish within %s", cmd, timeout),
		}
	}

	if ctx.Err() != nil {
		return nil, &TransportError{Op: "execute", Err: ctx.Err()}
	}

	return nil, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
}

// ExecuteSequence executes commands one at a time. Nonzero exit codes do not
// stop the sequence; transport errors do.
func (c *SSHClient) ExecuteSequence(ctx context.Context, cmds []string) ([]*CommandResult, error) {
	results := make([]*CommandResult, 0, len(cmds))

	for i, cmd := range cmds {
		log.Debug().Int("index", i).Str("command", cmd).Msg("executing sequence command")

		result, err := c.Execute(ctx, cmd, 0)
		if err != nil {
			return results, fmt.Errorf("command %d failed: %w", i, err)
		}
		results = append(results, result)
	}

	return results, nil
}

// ExecuteScript uploads a script to a temporary file, runs it with the
// long command timeout and removes it.
func (c *SSHClient) ExecuteScript(ctx context.Context, script string, interpreter string) (*CommandResult, error) {
	if interpreter == "" {
		interpreter = "sh"
	}
	tmpFile := fmt.Sprintf("/tmp/codeb-script-%s.sh", uuid.NewString())

	log.Debug().Str("tmpfile", tmpFile).Str("interpreter", interpreter).Msg("executing script")

	if err := c.WriteRemoteFile(ctx, tmpFile, []byte(script)); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	result, err := c.Execute(ctx, shellescape.QuoteCommand([]string{interpreter, tmpFile}), c.config.LongCommandTimeout)

	if _, cleanupErr := c.Execute(ctx, "rm -f "+shellescape.Quote(tmpFile), 0); cleanupErr != nil {
		log.Warn().Err(cleanupErr).Msg("failed to clean up script file")
	}

	return result, err
}
