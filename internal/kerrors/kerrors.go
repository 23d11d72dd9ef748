// Package kerrors defines the error-kind taxonomy used across Kennel's
// pipeline (see spec §7). Components branch on Kind, never on string
// matching, and map Kind to an HTTP status only at a boundary.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide how to react without
// inspecting error text.
type Kind string

const (
	// KindValidation covers bad input the caller controls: malformed
	// manifests, bad signatures, malformed JSON. Never retried by Kennel.
	KindValidation Kind = "validation"
	// KindNotFound covers missing projects, deployments, etc.
	KindNotFound Kind = "not_found"
	// KindUnauthorized covers webhook signature failures.
	KindUnauthorized Kind = "unauthorized"
	// KindServiceUnavailable covers a full queue or closed producer.
	KindServiceUnavailable Kind = "service_unavailable"
	// KindResourcesExhausted covers the port pool or preview-database
	// pool running out of capacity.
	KindResourcesExhausted Kind = "resources_exhausted"
	// KindExternal covers failures of collaborators Kennel doesn't own:
	// git server, build tool, supervisor, ACME, DNS provider.
	KindExternal Kind = "external_unavailable"
	// KindInternal covers store errors and anything else unexpected.
	KindInternal Kind = "internal"
)

// Error is a classified, wrapped error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with a message only.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal if err is
// not (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
