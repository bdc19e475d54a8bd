// Package errext annotates errors with context meant for people: a hint on
// how to get past the failure and the call log of the action that failed.
package errext

import (
	"errors"
	"fmt"
	"strings"
)

// HasHint is implemented by errors annotated with WithHint.
type HasHint interface {
	error
	Hint() string
}

// HasCallLog is implemented by errors annotated with WithCallLog.
type HasCallLog interface {
	error
	CallLog() []string
}

// WithHint annotates err with hint. An already hinted err keeps its hint,
// which is reported in parentheses after the new one.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return &hinted{err: err, hint: hint}
}

// WithCallLog annotates err with the lines an action logged before it
// failed. Only the innermost call log is kept.
func WithCallLog(err error, lines []string) error {
	if err == nil || len(lines) == 0 {
		return err
	}
	var logged HasCallLog
	if errors.As(err, &logged) {
		return err
	}
	return &callLogged{err: err, lines: append([]string(nil), lines...)}
}

type hinted struct {
	err  error
	hint string
}

func (h *hinted) Error() string { return h.err.Error() }
func (h *hinted) Unwrap() error { return h.err }

func (h *hinted) Hint() string {
	var inner HasHint
	if !errors.As(h.err, &inner) {
		return h.hint
	}
	return fmt.Sprintf("%s (%s)", h.hint, inner.Hint())
}

type callLogged struct {
	err   error
	lines []string
}

// Error renders the call log below the message so that it survives
// printing the error on its own.
func (c *callLogged) Error() string {
	var sb strings.Builder
	sb.WriteString(c.err.Error())
	sb.WriteString("\nCall log:")
	for _, l := range c.lines {
		fmt.Fprintf(&sb, "\n  - %s", l)
	}
	return sb.String()
}

func (c *callLogged) Unwrap() error     { return c.err }
func (c *callLogged) CallLog() []string { return c.lines }

var (
	_ HasHint    = (*hinted)(nil)
	_ HasCallLog = (*callLogged)(nil)
)
