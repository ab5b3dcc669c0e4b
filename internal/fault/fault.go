// Package fault is the shared error taxonomy.
//
// Every error that crosses a component boundary (remote client, session manager,
// executor) is either a *fault.Error or gets classified by ClassOf. The class tag
// is what lands in a job's error_class column and what operator tooling matches on.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class is a stable, string-matchable failure tag.
type Class string

const (
	ClassAuth           Class = "auth_error"
	ClassChallenge      Class = "challenge_required"
	ClassBanned         Class = "banned"
	ClassTransient      Class = "transient"
	ClassSessionExpired Class = "session_expired"
	ClassQuota          Class = "quota_exceeded"
	ClassNotFound       Class = "not_found"
	ClassPrivate        Class = "private_resource"
	ClassInvalid        Class = "invalid_input"
	ClassCancelled      Class = "cancelled"
	ClassInternal       Class = "internal"
)

// ManualVerification prefixes every challenge message.
const ManualVerification = "needs manual verification"

// Retryable reports whether a failure of this class may succeed on a later attempt.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassSessionExpired
}

// Sticky reports whether the class parks the account until an operator clears it.
func (c Class) Sticky() bool {
	return c == ClassChallenge || c == ClassBanned
}

// Error is a classified failure.
type Error struct {
	Class Class
	Op    string
	Msg   string
	Err   error
	// RetryAfter is an optional hint from the remote side (rate limiting).
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by class, so errors.Is(err, fault.Challenge) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Class == e.Class
}

// Class-only sentinels for errors.Is.
var (
	Auth           = &Error{Class: ClassAuth}
	Challenge      = &Error{Class: ClassChallenge}
	Banned         = &Error{Class: ClassBanned}
	Transient      = &Error{Class: ClassTransient}
	SessionExpired = &Error{Class: ClassSessionExpired}
	Quota          = &Error{Class: ClassQuota}
	NotFound       = &Error{Class: ClassNotFound}
	Private        = &Error{Class: ClassPrivate}
	Invalid        = &Error{Class: ClassInvalid}
)

// New builds a classified error with a message.
func New(class Class, op, msg string) *Error {
	if class == ClassChallenge && !strings.Contains(msg, ManualVerification) {
		msg = joinMsg(ManualVerification, msg)
	}
	return &Error{Class: class, Op: op, Msg: msg}
}

// Newf is New with formatting.
func Newf(class Class, op, format string, args ...any) *Error {
	return New(class, op, fmt.Sprintf(format, args...))
}

// Wrap classifies err. A nil err yields nil; an already classified err keeps
// its class and only gains the op.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if op == "" {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	e := &Error{Class: class, Op: op, Err: err}
	if class == ClassChallenge {
		e.Msg = ManualVerification
	}
	return e
}

// ClassOf returns the class carried by err. Context errors map to
// transient (deadline) and cancelled; anything else unclassified is internal.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	}
	return ClassInternal
}

// Is reports whether err carries class c.
func Is(err error, c Class) bool { return err != nil && ClassOf(err) == c }

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool { return ClassOf(err).Retryable() }

// RetryAfterOf returns the remote retry hint, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Message renders the human-readable record for a job or account row:
// "[class] message". The class tag is never altered.
func Message(err error) string {
	if err == nil {
		return ""
	}
	c := ClassOf(err)
	msg := err.Error()
	prefix := string(c) + ": "
	for strings.HasPrefix(msg, prefix) {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return "[" + string(c) + "] " + msg
}

func joinMsg(a, b string) string {
	if strings.TrimSpace(b) == "" {
		return a
	}
	return a + ": " + b
}

// Untag strips the "[class] " tag Message puts in front of a stored record,
// so the text can be carried by a new error without nesting tags.
func Untag(msg string) string {
	if !strings.HasPrefix(msg, "[") {
		return msg
	}
	if i := strings.Index(msg, "] "); i > 0 {
		return msg[i+2:]
	}
	return msg
}
