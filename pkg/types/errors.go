package types

import (
	"errors"
	"fmt"
)

// Kind identifies a protocol failure. Kinds are stable strings and double as
// the error codes returned by the HTTP surface.
type Kind string

const (
	KindDuplicateCommitment      Kind = "DuplicateCommitment"
	KindGroupFull                Kind = "GroupFull"
	KindGroupNotFound            Kind = "GroupNotFound"
	KindRegistrationRefused      Kind = "RegistrationRefused"
	KindInsufficientAnonymitySet Kind = "InsufficientAnonymitySet"
	KindStaleRoot                Kind = "StaleRoot"
	KindInvalidProof             Kind = "InvalidProof"
	KindNullifierReused          Kind = "NullifierReused"
	KindNetworkFailure           Kind = "NetworkFailure"
	KindCancelled                Kind = "Cancelled"
	KindMalformedInput           Kind = "MalformedInput"
)

// Error is a protocol failure carrying one of the named kinds.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrStaleRoot)
// holds regardless of detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrDuplicateCommitment      = &Error{Kind: KindDuplicateCommitment}
	ErrGroupFull                = &Error{Kind: KindGroupFull}
	ErrGroupNotFound            = &Error{Kind: KindGroupNotFound}
	ErrRegistrationRefused      = &Error{Kind: KindRegistrationRefused}
	ErrInsufficientAnonymitySet = &Error{Kind: KindInsufficientAnonymitySet}
	ErrStaleRoot                = &Error{Kind: KindStaleRoot}
	ErrInvalidProof             = &Error{Kind: KindInvalidProof}
	ErrNullifierReused          = &Error{Kind: KindNullifierReused}
	ErrNetworkFailure           = &Error{Kind: KindNetworkFailure}
	ErrCancelled                = &Error{Kind: KindCancelled}
	ErrMalformedInput           = &Error{Kind: KindMalformedInput}
)

// Errorf builds an *Error of the given kind with a formatted detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the failure is transient. Only network failures
// are; every other kind is terminal.
func Retryable(err error) bool {
	return KindOf(err) == KindNetworkFailure
}
