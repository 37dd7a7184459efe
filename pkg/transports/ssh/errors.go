package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrAuthentication means no credentials were available or the server
	// rejected them.
	ErrAuthentication = errors.New("authentication failed")

	// ErrConnect means the session could not be established.
	ErrConnect = errors.New("connect failed")

	// ErrTimeout means a command did not complete within its budget.
	ErrTimeout = errors.New("command timed out")

	// ErrConnectionLost means the retry ceiling was exhausted.
	ErrConnectionLost = errors.New("connection lost")

	// ErrWrite means a remote file write failed.
	ErrWrite = errors.New("remote write failed")

	// ErrNotConnected is returned when no session is open.
	ErrNotConnected = errors.New("not connected")
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "write")
	Op string

	// Kind is one of the Err* sentinels, or nil
	Kind error

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		if e.Kind != nil {
			return e.Op + ": " + e.Kind.Error()
		}
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches the error kind sentinel.
func (e *TransportError) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func newAuthError(op string, err error) *TransportError {
	return &TransportError{Op: op, Kind: ErrAuthentication, Err: err, IsAuthError: true}
}

func newConnectError(op string, err error) *TransportError {
	return &TransportError{Op: op, Kind: ErrConnect, Err: err, IsTemporary: true}
}

// connectionErrorMarkers are lower-cased fragments that identify a dropped or
// unusable session in error text from the ssh and net packages.
var connectionErrorMarkers = []string{
	"connection reset",
	"connection refused",
	"i/o timeout",
	"timed out",
	"broken pipe",
	"channel open failure",
	"not connected",
	"connection lost",
	"use of closed network connection",
	"socket is closed",
	"unexpected packet",
}

// IsConnectionError reports whether err is a connection-class failure that
// warrants discarding the session and retrying.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Timeouts, cancellation and auth failures are never retried.
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrAuthentication) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, ErrConnect) || errors.Is(err, ErrNotConnected) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return true
	}

	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
