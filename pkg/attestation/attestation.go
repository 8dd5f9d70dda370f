// Package attestation wraps platform-specific device-integrity evidence as
// opaque byte strings. The platform secure-element bindings that produce
// real evidence (Android Key/Play Integrity, iOS DeviceCheck/App Attest)
// are out of scope; this package models only the interfaces the core
// protocol needs, plus a software stand-in adapter for tests and local
// development.
package attestation

import "github.com/multipaz/readercred/pkg/rcerrors"

// Policy is the set of platform-specific checks a submitted attestation
// must satisfy.
type Policy struct {
	IOSReleaseBuild bool
	IOSAppIdentifier string

	AndroidRequireGMSAttestation    bool
	AndroidRequireVerifiedBootGreen bool
	AndroidAppSignatureDigests      []string

	// AllowUntrustedFallback, when true, downgrades a policy validation
	// failure from a hard AttestationInvalid error to a soft "issue under
	// the untrusted-devices root" outcome.
	AllowUntrustedFallback bool
}

// Validator checks a device attestation blob against a fresh challenge
// nonce and a policy. Implementations wrap whatever platform SDK or
// attestation service actually parses the evidence; this package only
// defines the boundary.
type Validator interface {
	// ValidateAttestation returns nil if blob is a valid attestation bound
	// to challenge, satisfying policy. A non-nil error is always a
	// rcerrors.Error with Kind AttestationInvalid on policy rejection, or
	// Kind InternalServer on a malformed blob.
	ValidateAttestation(blob []byte, challenge []byte, policy Policy) error
}

// AssertionValidator checks a device assertion — a live signature over a
// nonce binding a prior attestation to the present moment.
type AssertionValidator interface {
	// ValidateAssertion returns nil if assertion is a valid, fresh
	// signature over challenge that binds to the attestation previously
	// persisted as attestationBlob. A non-nil error is a rcerrors.Error
	// with Kind AssertionMismatch on a challenge or binding mismatch, or
	// Kind InternalServer on a malformed blob.
	ValidateAssertion(assertion []byte, challenge []byte, attestationBlob []byte) error
}

// Generator is the client-side counterpart: it produces the opaque blobs
// the server validates. Real implementations live behind platform secure
// elements (Android Key/Play Integrity APIs, iOS DeviceCheck/App
// Attest) — out of scope here.
type Generator interface {
	GenerateAttestation(challenge []byte) ([]byte, error)
	GenerateAssertion(challenge []byte, attestationBlob []byte) ([]byte, error)
}

// malformed returns an InternalServer rcerrors.Error for a blob that
// cannot even be parsed, as distinct from a well-formed blob that simply
// fails policy (AttestationInvalid).
func malformed(detail string) error {
	return rcerrors.InternalServerError("attestation: %s", detail)
}
