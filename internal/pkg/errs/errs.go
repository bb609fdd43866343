// Package errs defines the error taxonomy shared by the synchronization engine,
// the transaction functions and the transports in front of them.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error independent of where it was raised.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindPermissionDenied
	KindAggregated
	KindDegradedState
	KindDeadlineExceeded
	KindUnavailable
)

var kindCodes = map[Kind]string{
	KindInternal:         "internal",
	KindUnauthenticated:  "unauthenticated",
	KindInvalidArgument:  "invalid-argument",
	KindNotFound:         "not-found",
	KindAlreadyExists:    "already-exists",
	KindPermissionDenied: "permission-denied",
	KindAggregated:       "aggregated",
	KindDegradedState:    "degraded-state",
	KindDeadlineExceeded: "deadline-exceeded",
	KindUnavailable:      "unavailable",
}

// Code returns the wire code of k as used by the callable function protocol.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

func (k Kind) String() string { return k.Code() }

// KindFromCode is the inverse of Kind.Code. Unknown codes map to KindInternal.
func KindFromCode(code string) Kind {
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return KindInternal
}

// Error is the concrete error type of the taxonomy.
//
// Reason narrows a kind to a known cause (for example ReasonWrongPassword) so
// that user facing text can be chosen without inspecting Message. Errors holds
// the constituents of an aggregated failure.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
	Errors  []error

	// GroupID is set on degraded-state errors raised after a group document
	// was already written.
	GroupID string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Code())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Errors) > 0 {
		parts := make([]string, len(e.Errors))
		for i, err := range e.Errors {
			parts[i] = err.Error()
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, "; "))
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, len(e.Errors)+1)
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return append(out, e.Errors...)
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithReason returns a copy of e carrying reason.
func (e *Error) WithReason(reason string) *Error {
	c := *e
	c.Reason = reason
	return &c
}

// Aggregate folds per-item failures into one KindAggregated error. It returns
// nil when errs holds no non-nil error.
func Aggregate(message string, errs []error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &Error{Kind: KindAggregated, Message: message, Errors: kept}
}

// Degraded reports a multi-step operation that stopped after groupID was
// written. There is no compensating rollback.
func Degraded(groupID, message string, err error) *Error {
	return &Error{Kind: KindDegradedState, Message: message, Err: err, GroupID: groupID}
}

// KindOf classifies any error. The outermost *Error wins.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the reason of the outermost *Error, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Constituents returns the per-item failures of an aggregated error.
func Constituents(err error) []error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindAggregated {
		return e.Errors
	}
	return nil
}
