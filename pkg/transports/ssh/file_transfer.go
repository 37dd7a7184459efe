package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

const heredocSentinel = "CODEB_EOF"

var errSFTPUnavailable = errors.New("sftp subsystem unavailable")

// ReadRemoteFile returns the raw contents of a remote file.
func (c *SSHClient) ReadRemoteFile(ctx context.Context, remotePath string) ([]byte, error) {
	result, err := c.Execute(ctx, "cat "+shellescape.Quote(remotePath), 0)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return nil, &TransportError{
			Op:  "read",
			Err: fmt.Errorf("%s: exit %d: %s", remotePath, result.ExitCode, result.ErrorOutput()),
		}
	}
	return []byte(result.Stdout), nil
}

// WriteRemoteFile replaces a remote file. SFTP is preferred; hosts without
// the SFTP subsystem get a quoted here-document instead.
func (c *SSHClient) WriteRemoteFile(ctx context.Context, remotePath string, content []byte) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	err := c.writeViaSFTP(ctx, remotePath, content)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errSFTPUnavailable) && !IsConnectionError(err) {
		return &TransportError{Op: "write", Kind: ErrWrite, Err: err}
	}

	log.Debug().Err(err).Str("path", remotePath).Msg("sftp write unavailable, using here-document")
	return c.writeViaHeredoc(ctx, remotePath, content)
}

// writeViaSFTP uploads into a temporary sibling and renames it over the
// target so readers never observe a partial file.
func (c *SSHClient) writeViaSFTP(ctx context.Context, remotePath string, content []byte) error {
	sshClient, err := c.getClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("%w: %v", errSFTPUnavailable, err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.codeb-%s.tmp", remotePath, uuid.NewString()[:8])
	remoteFile, err := sftpClient.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = sftpClient.Remove(tmpPath)
		return fmt.Errorf("failed to write remote file: %w", err)
	}

	if err := sftpClient.PosixRename(tmpPath, remotePath); err != nil {
		// Servers without the posix-rename extension.
		_ = sftpClient.Remove(remotePath)
		if err := sftpClient.Rename(tmpPath, remotePath); err != nil {
			_ = sftpClient.Remove(tmpPath)
			return fmt.Errorf("failed to move file into place: %w", err)
		}
	}

	log.Debug().Str("path", remotePath).Int64("bytes", written).Msg("file written via sftp")
	return nil
}

// writeViaHeredoc writes content with a single shell command. head -c drops
// the newline the here-document adds before its terminator.
func (c *SSHClient) writeViaHeredoc(ctx context.Context, remotePath string, content []byte) error {
	sentinel := heredocSentinel
	for bytes.Contains(content, []byte(sentinel)) {
		sentinel = heredocSentinel + "_" + strings.ToUpper(uuid.NewString()[:8])
	}

	tmpPath := remotePath + ".codeb.tmp"
	cmd := fmt.Sprintf("mkdir -p %s && head -c %d > %s <<'%s' && mv -f %s %s\n%s\n%s\n",
		shellescape.Quote(path.Dir(remotePath)),
		len(content),
		shellescape.Quote(tmpPath),
		sentinel,
		shellescape.Quote(tmpPath),
		shellescape.Quote(remotePath),
		content,
		sentinel,
	)

	result, err := c.executeWithRetry(ctx, cmd, nil, 0)
	if err != nil {
		return err
	}
	if !result.Success() {
		return &TransportError{
			Op:   "write",
			Kind: ErrWrite,
			Err:  fmt.Errorf("%s: exit %d: %s", remotePath, result.ExitCode, result.ErrorOutput()),
		}
	}
	return nil
}

// FileExists reports whether a regular file exists at remotePath.
func (c *SSHClient) FileExists(ctx context.Context, remotePath string) (bool, error) {
	return c.test(ctx, "-f", remotePath)
}

// DirExists reports whether a directory exists at remotePath.
func (c *SSHClient) DirExists(ctx context.Context, remotePath string) (bool, error) {
	return c.test(ctx, "-d", remotePath)
}

func (c *SSHClient) test(ctx context.Context, flag string, remotePath string) (bool, error) {
	result, err := c.Execute(ctx, "test "+flag+" "+shellescape.Quote(remotePath), 0)
	if err != nil {
		return false, err
	}
	return result.Success(), nil
}

// ComputeChecksum calculates the SHA256 checksum of a remote file.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	result, err := c.Execute(ctx, "sha256sum "+shellescape.Quote(remotePath), c.config.LongCommandTimeout)
	if err != nil {
		return "", err
	}
	if !result.Success() {
		return "", &TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("%s: exit %d: %s", remotePath, result.ExitCode, result.ErrorOutput()),
		}
	}

	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("invalid checksum output")}
	}
	return fields[0], nil
}

// copyWithContext copies data while honouring context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
