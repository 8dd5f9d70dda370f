package attestation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multipaz/readercred/pkg/rcerrors"
)

func TestIOSAdapterRoundTrip(t *testing.T) {
	adapter := NewIOSAdapter("com.example.reader", true)
	challenge := []byte("nonce-1")

	blob, err := adapter.GenerateAttestation(challenge)
	require.NoError(t, err)
	require.NoError(t, adapter.ValidateAttestation(blob, challenge, Policy{IOSReleaseBuild: true, IOSAppIdentifier: "com.example.reader"}))

	assertion, err := adapter.GenerateAssertion(challenge, blob)
	require.NoError(t, err)
	assert.NoError(t, adapter.ValidateAssertion(assertion, challenge, blob))
}

func TestIOSAdapterRejectsNonReleaseBuildUnderPolicy(t *testing.T) {
	adapter := NewIOSAdapter("com.example.reader", false)
	challenge := []byte("nonce-2")

	blob, err := adapter.GenerateAttestation(challenge)
	require.NoError(t, err)

	err = adapter.ValidateAttestation(blob, challenge, Policy{IOSReleaseBuild: true})
	assert.True(t, rcerrors.Is(err, rcerrors.AttestationInvalid))
}

func TestAndroidAdapterEnforcesSignatureAllowlist(t *testing.T) {
	adapter := NewAndroidAdapter("deadbeef", true, true)
	challenge := []byte("nonce-3")

	blob, err := adapter.GenerateAttestation(challenge)
	require.NoError(t, err)

	err = adapter.ValidateAttestation(blob, challenge, Policy{AndroidAppSignatureDigests: []string{"other-digest"}})
	assert.True(t, rcerrors.Is(err, rcerrors.AttestationInvalid))
}

func TestValidateAssertionRejectsChallengeMismatch(t *testing.T) {
	adapter := NewIOSAdapter("com.example.reader", true)
	blob, err := adapter.GenerateAttestation([]byte("nonce-a"))
	require.NoError(t, err)

	assertion, err := adapter.GenerateAssertion([]byte("nonce-a"), blob)
	require.NoError(t, err)

	err = adapter.ValidateAssertion(assertion, []byte("nonce-b"), blob)
	assert.True(t, rcerrors.Is(err, rcerrors.AssertionMismatch))
}
