// Package rcerrors provides the typed error kinds shared by the reader
// backend server and the reader backend client.
package rcerrors

import "fmt"

// Kind categorizes a reader-credential-lifecycle error.
type Kind int

const (
	// InternalServer covers storage and signing failures that are fatal
	// to the request but carry no protocol-defined client behavior.
	InternalServer Kind = iota
	// NonceUnknown means the presented nonce was never minted or has expired.
	NonceUnknown
	// AttestationInvalid means the device attestation failed policy
	// validation. User-visible; not retried.
	AttestationInvalid
	// AssertionMismatch means the device assertion's challenge did not
	// match the presented nonce, or did not bind to the stored attestation.
	AssertionMismatch
	// RegistrationLost means the server no longer recognizes a
	// registrationId (surfaced as HTTP 404 on certifyKeys). Handled
	// internally: the client drops its local registration and retries once.
	RegistrationLost
	// NoValidKey means the pool holds no currently-valid key and
	// replenishment failed. User-visible.
	NoValidKey
	// UnknownKey means markKeyAsUsed was called with an alias the pool
	// does not hold. Programmer error.
	UnknownKey
	// Transport covers network/HTTP failures talking to the backend.
	Transport
)

func (k Kind) String() string {
	switch k {
	case NonceUnknown:
		return "NonceUnknown"
	case AttestationInvalid:
		return "AttestationInvalid"
	case AssertionMismatch:
		return "AssertionMismatch"
	case RegistrationLost:
		return "RegistrationLost"
	case NoValidKey:
		return "NoValidKey"
	case UnknownKey:
		return "UnknownKey"
	case Transport:
		return "Transport"
	default:
		return "InternalServer"
	}
}

// Error is the concrete error type returned across the reader-credential
// lifecycle. It carries a Kind so callers can branch on category without
// string matching.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string, args ...interface{}) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(msg, args...)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	rcErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return rcErr.Kind == kind
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func NonceUnknownError(msg string, args ...interface{}) error {
	return New(NonceUnknown, msg, args...)
}

func AttestationInvalidError(msg string, args ...interface{}) error {
	return New(AttestationInvalid, msg, args...)
}

func AssertionMismatchError(msg string, args ...interface{}) error {
	return New(AssertionMismatch, msg, args...)
}

func RegistrationLostError(msg string, args ...interface{}) error {
	return New(RegistrationLost, msg, args...)
}

func NoValidKeyError(msg string, args ...interface{}) error {
	return New(NoValidKey, msg, args...)
}

func UnknownKeyError(msg string, args ...interface{}) error {
	return New(UnknownKey, msg, args...)
}

func TransportError(msg string, args ...interface{}) error {
	return New(Transport, msg, args...)
}
