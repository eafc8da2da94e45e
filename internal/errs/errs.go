// Package errs defines the typed error kinds the session engine surfaces
// to callers, per the recoverability table in the core specification.
package errs

import "fmt"

// Kind classifies an error by who is expected to recover from it.
type Kind string

const (
	KindCryptoInvalidKeyMaterial    Kind = "crypto.invalid_key_material"
	KindCryptoInvalidSignature      Kind = "crypto.invalid_signature"
	KindRatchetAuthFailure          Kind = "ratchet.authentication_failure"
	KindRatchetMaxSkippedExceeded   Kind = "ratchet.max_skipped_headers_exceeded"
	KindSessionNotInitialized       Kind = "session.not_initialized"
	KindSessionDatabaseNotInit      Kind = "session.database_not_initialized"
	KindSessionTransportNotInit     Kind = "session.transport_not_initialized"
	KindSessionUserNotFound         Kind = "session.user_not_found"
	KindSessionConfigurationError   Kind = "session.configuration_error"
	KindSessionInvalidKeyID         Kind = "session.invalid_key_id"
	KindSessionUnrecoverable        Kind = "session.unrecoverable"
	KindSessionCancelled            Kind = "session.cancelled"
	KindSessionShutdown             Kind = "session.shutdown"
	KindCacheError                  Kind = "cache.error"
	KindJobDuplicateSequenceID      Kind = "job.duplicate_sequence_id"
	KindChannelInvalidMemberCount   Kind = "channel.invalid_member_count"
	KindSessionReestablishing       Kind = "session.reestablishing"
)

// Error is the engine-wide error envelope. It never carries secret
// material: Message/Reason/Recovery are operator-facing strings built
// from public identifiers only.
type Error struct {
	Kind     Kind
	Message  string // localized description
	Reason   string // failure reason
	Recovery string // recovery suggestion for the caller
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Message, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no underlying cause.
func New(kind Kind, message, reason, recovery string) *Error {
	return &Error{Kind: kind, Message: message, Reason: reason, Recovery: recovery}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, message, reason, recovery string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Reason: reason, Recovery: recovery, cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); !ok {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
