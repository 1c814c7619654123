// Package errors provides the typed error taxonomy shared by the fleet
// orchestrator and the worker-side pipeline: TransientNetwork, RateLimited,
// PermanentConfig, ProcessingFailed, UploadFailed and WatcherBenign.
package errors

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// unretriableMarker is implemented by every error kind that should never be
// retried, regardless of whether it also wraps a backoff.PermanentError.
type unretriableMarker interface {
	Unretriable()
}

// IsUnretriable returns whether err (or anything it wraps) is marked as
// unretriable, independent of whether it is a backoff.PermanentError.
func IsUnretriable(err error) bool {
	var m unretriableMarker
	return errors.As(err, &m)
}

// AsPermanent adapts an unretriable error into a *backoff.PermanentError so
// a backoff.Retry call site stops retrying it immediately. Errors that are
// already a backoff.PermanentError, or that are not unretriable, pass
// through unchanged.
func AsPermanent(err error) error {
	if err == nil || !IsUnretriable(err) {
		return err
	}
	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return err
	}
	return backoff.Permanent(err)
}

// UnretriableError wraps an arbitrary error and marks it unretriable. The
// wrapped error is itself turned into a *backoff.PermanentError, so a plain
// errors.As(err, &permErr) with `var permErr *backoff.PermanentError` also
// detects it.
type UnretriableError struct{ error }

func Unretriable(err error) error {
	return UnretriableError{backoff.Permanent(err)}
}

func (e UnretriableError) Unwrap() error { return e.error }

func (e UnretriableError) Unretriable() {}

// TransientNetworkError marks a retriable failure reaching the object
// store or the spot-market API: connection refused, timeout, 5xx.
type TransientNetworkError struct{ error }

func TransientNetwork(err error) error {
	return TransientNetworkError{err}
}

func (e TransientNetworkError) Unwrap() error { return e.error }

func IsTransientNetwork(err error) bool {
	return errors.As(err, &TransientNetworkError{})
}

// RateLimitedError carries the spot-market API's HTTP 429 signal. It is
// kept distinct from TransientNetworkError so the worker log watcher can
// drive its own backoff ladder instead of a generic retry count.
type RateLimitedError struct{ error }

func RateLimited(err error) error {
	return RateLimitedError{err}
}

func (e RateLimitedError) Unwrap() error { return e.error }

func IsRateLimited(err error) bool {
	return errors.As(err, &RateLimitedError{})
}

// PermanentConfigError covers an invalid mode/scale/strategy, a preset with
// no matching offers, or missing credentials: nothing is launched.
type PermanentConfigError struct{ msg string }

func PermanentConfig(format string, args ...any) error {
	return PermanentConfigError{msg: fmt.Sprintf(format, args...)}
}

func (e PermanentConfigError) Error() string { return e.msg }

func (e PermanentConfigError) Unretriable() {}

func IsPermanentConfig(err error) bool {
	var target PermanentConfigError
	return errors.As(err, &target)
}

// ProcessingFailedError covers a frame-batch processor exiting non-zero or
// producing no frames, or an assembled file under the minimum size
// threshold. The workspace is retained with diagnostics; nothing uploads.
type ProcessingFailedError struct{ error }

func ProcessingFailed(err error) error {
	return ProcessingFailedError{err}
}

func (e ProcessingFailedError) Unwrap() error { return e.error }

func (e ProcessingFailedError) Unretriable() {}

func IsProcessingFailed(err error) bool {
	return errors.As(err, &ProcessingFailedError{})
}

// UploadFailedError is raised once the uploader's own retry budget is
// exhausted. Callers persist a pending-upload record and exit non-zero;
// the next worker start retries the upload from scratch.
type UploadFailedError struct{ error }

func UploadFailed(err error) error {
	return UploadFailedError{err}
}

func (e UploadFailedError) Unwrap() error { return e.error }

func IsUploadFailed(err error) bool {
	return errors.As(err, &UploadFailedError{})
}

// WatcherBenignError signals that an instance went missing, stopped, or was
// destroyed out from under the log watcher. It is logged; polling
// continues. It never stops the watcher loop.
type WatcherBenignError struct{ msg string }

func WatcherBenign(format string, args ...any) error {
	return WatcherBenignError{msg: fmt.Sprintf(format, args...)}
}

func (e WatcherBenignError) Error() string { return e.msg }

func IsWatcherBenign(err error) bool {
	var target WatcherBenignError
	return errors.As(err, &target)
}

// ObjectNotFoundError is always unretriable but deliberately does not wrap
// a backoff.PermanentError: it marks application-level intent, and call
// sites that drive backoff.Retry should route it through AsPermanent.
type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string { return e.msg }

func (e ObjectNotFoundError) Unwrap() error { return e.cause }

func (e ObjectNotFoundError) Unretriable() {}

func NewObjectNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("ObjectNotFoundError: %s: %s", msg, cause)
	} else {
		msg = fmt.Sprintf("ObjectNotFoundError: %s", msg)
	}
	return ObjectNotFoundError{msg: msg, cause: cause}
}

func IsObjectNotFound(err error) bool {
	return errors.As(err, &ObjectNotFoundError{})
}
