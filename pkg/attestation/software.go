package attestation

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"

	"github.com/multipaz/readercred/pkg/rcerrors"
)

// softwareBlob is the JSON shape the SoftwareAdapter uses to carry
// evidence. It is not meant to resemble a real platform attestation wire
// format — it exists so the rest of the system can be exercised end to
// end without a real secure element.
type softwareBlob struct {
	Challenge []byte `json:"challenge"`

	Platform string `json:"platform"` // "ios" or "android"

	IOSRelease bool   `json:"iosRelease,omitempty"`
	IOSAppID   string `json:"iosAppId,omitempty"`

	AndroidGMS          bool   `json:"androidGms,omitempty"`
	AndroidVerifiedBoot bool   `json:"androidVerifiedBoot,omitempty"`
	AndroidSigDigest    string `json:"androidSigDigest,omitempty"`
}

type softwareAssertion struct {
	Challenge           []byte `json:"challenge"`
	AttestationDigest   []byte `json:"attestationDigest"`
}

// SoftwareAdapter is a Generator + Validator + AssertionValidator backed
// by plain JSON blobs instead of real platform evidence. It models a
// single simulated device profile.
type SoftwareAdapter struct {
	Platform string

	IOSRelease bool
	IOSAppID   string

	AndroidGMS          bool
	AndroidVerifiedBoot bool
	AndroidSigDigest    string
}

func NewIOSAdapter(appID string, release bool) *SoftwareAdapter {
	return &SoftwareAdapter{Platform: "ios", IOSRelease: release, IOSAppID: appID}
}

func NewAndroidAdapter(sigDigest string, gms, verifiedBoot bool) *SoftwareAdapter {
	return &SoftwareAdapter{
		Platform:            "android",
		AndroidGMS:          gms,
		AndroidVerifiedBoot: verifiedBoot,
		AndroidSigDigest:    sigDigest,
	}
}

func (a *SoftwareAdapter) GenerateAttestation(challenge []byte) ([]byte, error) {
	blob := softwareBlob{
		Challenge:           challenge,
		Platform:            a.Platform,
		IOSRelease:          a.IOSRelease,
		IOSAppID:            a.IOSAppID,
		AndroidGMS:          a.AndroidGMS,
		AndroidVerifiedBoot: a.AndroidVerifiedBoot,
		AndroidSigDigest:    a.AndroidSigDigest,
	}
	return json.Marshal(blob)
}

func (a *SoftwareAdapter) GenerateAssertion(challenge []byte, attestationBlob []byte) ([]byte, error) {
	digest := sha256.Sum256(attestationBlob)
	return json.Marshal(softwareAssertion{Challenge: challenge, AttestationDigest: digest[:]})
}

// ValidateAttestation implements Validator.
func (a *SoftwareAdapter) ValidateAttestation(blob []byte, challenge []byte, policy Policy) error {
	var b softwareBlob
	if err := json.Unmarshal(blob, &b); err != nil {
		return malformed("invalid attestation blob")
	}
	if !bytes.Equal(b.Challenge, challenge) {
		return rcerrors.AttestationInvalidError("attestation challenge does not match nonce")
	}

	switch b.Platform {
	case "ios":
		if policy.IOSReleaseBuild && !b.IOSRelease {
			return rcerrors.AttestationInvalidError("non-release iOS build rejected by policy")
		}
		if policy.IOSAppIdentifier != "" && b.IOSAppID != policy.IOSAppIdentifier {
			return rcerrors.AttestationInvalidError("unexpected iOS app identifier %q", b.IOSAppID)
		}
	case "android":
		if policy.AndroidRequireGMSAttestation && !b.AndroidGMS {
			return rcerrors.AttestationInvalidError("GMS attestation required by policy")
		}
		if policy.AndroidRequireVerifiedBootGreen && !b.AndroidVerifiedBoot {
			return rcerrors.AttestationInvalidError("verified boot state must be green")
		}
		if len(policy.AndroidAppSignatureDigests) > 0 && !contains(policy.AndroidAppSignatureDigests, b.AndroidSigDigest) {
			return rcerrors.AttestationInvalidError("app signing digest %q not in allowlist", b.AndroidSigDigest)
		}
	default:
		return rcerrors.AttestationInvalidError("unknown platform %q", b.Platform)
	}
	return nil
}

// ValidateAssertion implements AssertionValidator.
func (a *SoftwareAdapter) ValidateAssertion(assertion []byte, challenge []byte, attestationBlob []byte) error {
	var as softwareAssertion
	if err := json.Unmarshal(assertion, &as); err != nil {
		return malformed("invalid assertion blob")
	}
	if !bytes.Equal(as.Challenge, challenge) {
		return rcerrors.AssertionMismatchError("assertion challenge does not match nonce")
	}
	digest := sha256.Sum256(attestationBlob)
	if !bytes.Equal(as.AttestationDigest, digest[:]) {
		return rcerrors.AssertionMismatchError("assertion does not bind to stored attestation")
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
