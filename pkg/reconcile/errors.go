package reconcile

import (
	"errors"
	"fmt"

	"github.com/codeb/reconciler/pkg/podman"
	"github.com/codeb/reconciler/pkg/transports/ssh"
)

// ErrorClass categorizes reconciliation failures.
type ErrorClass string

const (
	// ClassUnavailable means the target container, volume, network or
	// backup is absent or not running. Retrying without intervention is
	// pointless.
	ClassUnavailable ErrorClass = "unavailable"

	// ClassBusy means a destructive change was blocked by live references.
	ClassBusy ErrorClass = "busy"

	// ClassReconcile means the corrective remote command itself failed.
	ClassReconcile ErrorClass = "reconcile"

	// ClassNetworkUnavailable means neither the preferred nor the default
	// network can be used.
	ClassNetworkUnavailable ErrorClass = "network_unavailable"

	// ClassPolicyDenied means a policy refused a destructive intent.
	ClassPolicyDenied ErrorClass = "policy_denied"

	// ClassInvalid means the request itself is malformed.
	ClassInvalid ErrorClass = "invalid"

	// ClassTransport is reported for connection and session failures.
	ClassTransport ErrorClass = "transport"

	// ClassInternal covers everything else.
	ClassInternal ErrorClass = "internal"
)

// Sentinels for errors.Is. Matching compares the class only.
var (
	ErrResourceUnavailable = &Error{Class: ClassUnavailable}
	ErrResourceBusy        = &Error{Class: ClassBusy}
	ErrReconcile           = &Error{Class: ClassReconcile}
	ErrNetworkUnavailable  = &Error{Class: ClassNetworkUnavailable}
	ErrPolicyDenied        = &Error{Class: ClassPolicyDenied}
	ErrInvalidRequest      = &Error{Class: ClassInvalid}
)

// Error is a classified reconciliation failure.
type Error struct {
	Class    ErrorClass
	Message  string
	Resource string
	// Stderr is the remote command's error output, unmodified.
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Class)
	}
	if e.Resource != "" {
		msg = fmt.Sprintf("%s: %s", e.Resource, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

func newError(class ErrorClass, resource, message string, err error) *Error {
	e := &Error{Class: class, Message: message, Resource: resource, Err: err}
	var cmdErr *podman.CommandError
	if errors.As(err, &cmdErr) {
		e.Stderr = cmdErr.Stderr
	}
	return e
}

func unavailable(resource, message string, err error) *Error {
	return newError(ClassUnavailable, resource, message, err)
}

func busy(resource, message string) *Error {
	return newError(ClassBusy, resource, message, nil)
}

// reconcileFailed classifies a failed mutation. Transport errors pass
// through so a lost connection is never reported as a reconcile failure.
func reconcileFailed(resource, message string, err error) error {
	if ClassOf(err) == ClassTransport {
		return err
	}
	return newError(ClassReconcile, resource, message, err)
}

func invalid(message string, err error) *Error {
	return newError(ClassInvalid, "", message, err)
}

// ClassOf returns the class used to label err in metrics, traces and the
// journal. A nil error has no class.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Class
	}
	var terr *ssh.TransportError
	if errors.As(err, &terr) {
		return ClassTransport
	}
	return ClassInternal
}

// StderrOf returns the remote error output carried by err, if any.
func StderrOf(err error) string {
	var rerr *Error
	if errors.As(err, &rerr) && rerr.Stderr != "" {
		return rerr.Stderr
	}
	var cmdErr *podman.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}
