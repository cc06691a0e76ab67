package container

import (
	"errors"
	"fmt"

	"github.com/narvanalabs/buildfarm/internal/container/transport"
)

var (
	// ErrUnsupportedBackend is returned for an unknown machine type.
	ErrUnsupportedBackend = errors.New("unsupported backend")
	// ErrNotCreated is returned when an operation needs Create first.
	ErrNotCreated = errors.New("environment not created")
	// ErrMountAfterStart is returned when MountHostPath follows Start.
	ErrMountAfterStart = errors.New("host paths must be mounted before start")
	// ErrRemoteBuildFailed is returned when a hosted build ends failed.
	ErrRemoteBuildFailed = errors.New("remote build failed")
	// ErrRemoteBuildCanceled is returned when a hosted build was canceled.
	ErrRemoteBuildCanceled = errors.New("remote build canceled")
	// ErrNotSupported is returned by hosted backends for operations that
	// require a shell.
	ErrNotSupported = errors.New("operation not supported by backend")
)

// TransientTransportError is a failure to reach the environment at all.
type TransientTransportError = transport.TransientError

// LifecycleError reports a create, start or readiness failure.
type LifecycleError struct {
	Op      string
	Machine string
	Err     error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("container %s on %s failed: %v", e.Op, e.Machine, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transport failure.
func IsTransient(err error) bool {
	var t *TransientTransportError
	return errors.As(err, &t)
}
