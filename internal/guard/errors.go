package guard

import (
	"errors"
	"fmt"
)

// Kind classifies guard failures so callers can decide whether to retry.
type Kind string

const (
	// KindInvalidArgument marks a malformed identifier or action. Not retryable.
	KindInvalidArgument Kind = "invalid_argument"
	// KindConfiguration marks an action with no configured thresholds. Not retryable.
	KindConfiguration Kind = "configuration_error"
	// KindStorage marks an unavailable store or exhausted conflict retries.
	KindStorage Kind = "storage_error"
)

// Sentinels for errors.Is matching against *Error values.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConfiguration   = errors.New("configuration error")
	ErrStorage         = errors.New("storage error")
)

// Error is the typed error returned by every guard operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidArgument:
		return e.Kind == KindInvalidArgument
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrStorage:
		return e.Kind == KindStorage
	}
	return false
}

// KindOf returns the kind of a guard error, or "" for anything else.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

func newInvalidArgumentError(op, message string) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Message: message}
}

func newConfigurationError(op, action string) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Op:      op,
		Message: fmt.Sprintf("action %q has no configured limits", action),
	}
}

func newStorageError(op, message string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Message: message, Err: err}
}
