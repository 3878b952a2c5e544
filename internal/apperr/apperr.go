// Package apperr defines the error taxonomy shared by the orchestrator, the
// workers and the admin API. Every error built here matches both its
// sentinel and its underlying cause through errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups sentinels into the categories callers react to.
type Kind string

// Error kinds.
const (
	KindUnknown    Kind = "UNKNOWN"
	KindValidation Kind = "VALIDATION"
	KindConflict   Kind = "CONFLICT"
	KindNotFound   Kind = "NOT_FOUND"
	KindTransport  Kind = "TRANSPORT"
	KindService    Kind = "SERVICE"
	KindStore      Kind = "STORE"
)

// Sentinel errors.
var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("already exists")
	ErrAlreadyRunning    = errors.New("bot is already running")
	ErrRunning           = errors.New("bot is running")
	ErrNotFound          = errors.New("not found")
	ErrNotRunning        = errors.New("bot is not running")
	ErrTransport         = errors.New("chat transport failure")
	ErrAuth              = errors.New("chat transport rejected credential")
	ErrService           = errors.New("completion service failure")
	ErrContractViolation = errors.New("completion service contract violation")
	ErrStore             = errors.New("store failure")
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrValidation, KindValidation},
	{ErrDuplicate, KindConflict},
	{ErrAlreadyRunning, KindConflict},
	{ErrRunning, KindConflict},
	{ErrNotFound, KindNotFound},
	{ErrNotRunning, KindConflict},
	{ErrAuth, KindTransport},
	{ErrTransport, KindTransport},
	{ErrContractViolation, KindService},
	{ErrService, KindService},
	{ErrStore, KindStore},
}

// Error is an application error carrying a sentinel, a message and an
// optional cause.
type Error struct {
	sentinel error
	message  string
	err      error
}

func (e *Error) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.sentinel.Error()
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

// Kind reports the category of the sentinel this error was built from.
func (e *Error) Kind() Kind {
	return kindOfSentinel(e.sentinel)
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.err == nil {
		return []error{e.sentinel}
	}
	return []error{e.sentinel, e.err}
}

// New builds an error that matches sentinel. The message may be empty, in
// which case the sentinel's text is used.
func New(sentinel error, message string, cause error) error {
	return &Error{sentinel: sentinel, message: message, err: cause}
}

// Errorf is New with a formatted message and no cause.
func Errorf(sentinel error, format string, args ...any) error {
	return &Error{sentinel: sentinel, message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first known sentinel err matches.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}

func kindOfSentinel(sentinel error) Kind {
	for _, k := range kinds {
		if sentinel == k.sentinel {
			return k.kind
		}
	}
	return KindUnknown
}
