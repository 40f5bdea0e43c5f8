// Package apperr defines the error taxonomy shared by the panel core.
//
// Every failure surfaced to a caller carries a Kind (what class of problem
// it is) and a stable Code (which specific problem). Sentinels are matched
// with errors.Is by Code, so a sentinel wrapped with a more precise
// message still compares equal to the bare sentinel.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindPermission
	KindUpstream
	KindPartial
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission_denied"
	case KindUpstream:
		return "upstream_unavailable"
	case KindPartial:
		return "partial_failure"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidAddress      = New(KindValidation, "invalid_address", "invalid ip address or cidr")
	ErrRangeTooLarge       = New(KindValidation, "range_too_large", "cidr range too large")
	ErrInvalidPortSpec     = New(KindValidation, "invalid_port_spec", "invalid port specification")
	ErrNoAddressesOrPorts  = New(KindValidation, "no_addresses_or_ports", "no allocations could be created")
	ErrInvalidOrExpired    = New(KindValidation, "invalid_or_expired", "invalid or expired token")
	ErrInvalidInput        = New(KindValidation, "invalid_input", "invalid request")
	ErrAllConflict         = New(KindConflict, "all_conflict", "all specified allocations already exist")
	ErrInUse               = New(KindConflict, "in_use", "allocation is assigned to a server")
	ErrLocked              = New(KindConflict, "locked", "backup is locked")
	ErrNotSuccessful       = New(KindConflict, "not_successful", "backup did not complete successfully")
	ErrLimitReached        = New(KindConflict, "limit_reached", "allocation limit reached")
	ErrNotFound            = New(KindNotFound, "not_found", "not found")
	ErrPermissionDenied    = New(KindPermission, "permission_denied", "permission denied")
	ErrUpstreamUnavailable = New(KindUpstream, "upstream_unavailable", "node agent unavailable")
	ErrInvalidCredentials  = New(KindUnauthenticated, "invalid_credentials", "invalid credentials")
)

// Wrap returns a copy of sentinel carrying a more precise message.
func Wrap(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: fmt.Sprintf(format, args...)}
}

// WithCause returns a copy of sentinel wrapping cause.
func WithCause(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, Err: cause}
}

// Kinder is implemented by errors from other packages that know their
// own classification.
type Kinder interface {
	Kind() Kind
}

// KindOf classifies err, walking its wrap chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}
