package common

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an error at the point where it originates. The
// polling loop decides between retrying and failing by kind only.
type ErrorKind int

// Error kinds.
const (
	ErrorKindOther ErrorKind = iota
	ErrorKindNavigationAborted
	ErrorKindTimeout
	ErrorKindNonRecoverableDOM
	ErrorKindInvalidSelector
	ErrorKindJavaScript
	ErrorKindSessionClosed
	ErrorKindFrameDetached
	ErrorKindNotConnected
	ErrorKindStrictMode
	ErrorKindTargetClosed
	ErrorKindProgrammer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNavigationAborted:
		return "navigation aborted"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindNonRecoverableDOM:
		return "non-recoverable DOM"
	case ErrorKindInvalidSelector:
		return "invalid selector"
	case ErrorKindJavaScript:
		return "javascript"
	case ErrorKindSessionClosed:
		return "session closed"
	case ErrorKindFrameDetached:
		return "frame detached"
	case ErrorKindNotConnected:
		return "not connected"
	case ErrorKindStrictMode:
		return "strict mode violation"
	case ErrorKindTargetClosed:
		return "target closed"
	case ErrorKindProgrammer:
		return "programmer error"
	}
	return "other"
}

// Error is an error with a kind.
type Error struct {
	kind ErrorKind
	msg  string
	err  error
}

// NewError returns an error of kind k.
func NewError(k ErrorKind, format string, args ...any) *Error {
	return &Error{kind: k, msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches kind k to err.
func WrapError(k ErrorKind, err error, msg string) *Error {
	return &Error{kind: k, msg: msg, err: err}
}

func (e *Error) Error() string {
	switch {
	case e.err == nil:
		return e.msg
	case e.msg == "":
		return e.err.Error()
	}
	return e.msg + ": " + e.err.Error()
}

// Kind returns the kind of the error.
func (e *Error) Kind() ErrorKind { return e.kind }

func (e *Error) Unwrap() error { return e.err }

// NavigationAbortedError is returned when a navigation a caller waited
// for was replaced by another one or its request failed.
type NavigationAbortedError struct {
	DocumentID string
	Msg        string
}

func (e *NavigationAbortedError) Error() string { return e.Msg }

// Kind returns ErrorKindNavigationAborted.
func (e *NavigationAbortedError) Kind() ErrorKind { return ErrorKindNavigationAborted }

// TimeoutError is returned when an action exceeds its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout %s exceeded", e.Timeout)
}

// Kind returns ErrorKindTimeout.
func (e *TimeoutError) Kind() ErrorKind { return ErrorKindTimeout }

type kinded interface {
	error
	Kind() ErrorKind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindOther
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindOther
}

// Errors that are shared across the package.
var (
	ErrFrameDetached       = NewError(ErrorKindFrameDetached, "frame was detached")
	ErrTargetClosed        = NewError(ErrorKindTargetClosed, "target page, context or browser has been closed")
	ErrRouteAlreadyHandled = NewError(ErrorKindProgrammer, "route is already handled")
	ErrElementNotConnected = NewError(ErrorKindNotConnected, "element is not attached to the DOM")
	ErrSessionClosed       = NewError(ErrorKindSessionClosed, "session closed")
)

// NewInvalidSelectorError returns an error the polling loop never retries.
func NewInvalidSelectorError(selector string, reason string) error {
	return NewError(ErrorKindInvalidSelector, "invalid selector %q: %s", selector, reason)
}

// NewJavaScriptError wraps an exception thrown by evaluated code.
func NewJavaScriptError(err error) error {
	return WrapError(ErrorKindJavaScript, err, "evaluating JavaScript")
}

// NewNonRecoverableDOMError is for elements that can never reach the
// requested state, e.g. filling a checkbox.
func NewNonRecoverableDOMError(msg string) error {
	return NewError(ErrorKindNonRecoverableDOM, "%s", msg)
}

func newStrictModeViolationError(selector string, count int, previews []string) error {
	return NewError(ErrorKindStrictMode,
		"strict mode violation: %q resolved to %d elements: %v", selector, count, previews)
}
