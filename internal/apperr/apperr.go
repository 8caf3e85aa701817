// Package apperr defines the closed set of error kinds used across the
// supervisor's subsystems, and a small wrapper type that pairs a kind with
// a causal chain via github.com/pkg/errors.
//
// This is a standalone enum rather than an adapter over a container-runtime
// taxonomy: containerd/errdefs' NotFound/InvalidArgument/AlreadyExists set
// does not fit the build/update/reboot domain these kinds classify.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed, for logging; the HTTP layer
// logs it alongside each 500 response.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigMissing
	KindFilesystemIO
	KindSubprocessSpawn
	KindSubprocessExitNonzero
	KindNetworkRequest
	KindDecode
	KindAuthDenied
	KindLockContention
	KindChannelClosed
	KindTimeConversion
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfigMissing:
		return "configuration-missing"
	case KindFilesystemIO:
		return "filesystem-io"
	case KindSubprocessSpawn:
		return "subprocess-spawn"
	case KindSubprocessExitNonzero:
		return "subprocess-exit-nonzero"
	case KindNetworkRequest:
		return "network-request"
	case KindDecode:
		return "decode"
	case KindAuthDenied:
		return "auth-denied"
	case KindLockContention:
		return "lock-contention"
	case KindChannelClosed:
		return "channel-closed"
	case KindTimeConversion:
		return "time-conversion"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with a wrapped cause. Callers should use Wrap/Wrapf to
// construct one; the zero value is not meaningful.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap annotates err with kind and a message, preserving the causal chain.
// Returns nil if err is nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, message)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// New creates a new error of the given kind with no prior cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, cause: errors.New(message)}
}

// KindOf extracts the Kind from err, or KindUnknown if err does not carry
// one (including nil).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
