package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the stable categories the API
// boundary knows how to present. Remote error bodies never cross this
// boundary uninterpreted.
type Kind string

const (
	KindMissingConfiguration    Kind = "MISSING_CONFIGURATION"
	KindExchangeFailed          Kind = "EXCHANGE_FAILED"
	KindIdentityFetchFailed     Kind = "IDENTITY_FETCH_FAILED"
	KindReauthRequired          Kind = "REAUTH_REQUIRED"
	KindRefreshTransientFailure Kind = "REFRESH_TRANSIENT_FAILURE"
	KindRemoteAccessForbidden   Kind = "REMOTE_ACCESS_FORBIDDEN"
	KindRemoteRateLimited       Kind = "REMOTE_RATE_LIMITED"
	KindRemoteFetchFailed       Kind = "REMOTE_FETCH_FAILED"
	KindPartialSyncFailure      Kind = "PARTIAL_SYNC_FAILURE"
	KindNotFound                Kind = "NOT_FOUND"
	KindValidationFailed        Kind = "VALIDATION_FAILED"
)

// Error carries a Kind plus a short human-readable summary. The wrapped
// cause keeps full detail for logging at the classification point.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is against another *Error with the same Kind, so
// callers can match on taxonomy without caring about cause or message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// E builds a classified error wrapping an optional cause.
func E(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the Kind of err, or empty string when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
