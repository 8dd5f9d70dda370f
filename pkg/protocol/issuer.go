package protocol

import (
	"encoding/json"
	"fmt"
)

// IssuerTrustEntryType discriminates the two IssuerTrustEntry variants.
type IssuerTrustEntryType string

const (
	IssuerTrustEntryIACA   IssuerTrustEntryType = "iaca"
	IssuerTrustEntryVICAL  IssuerTrustEntryType = "vical"
)

// IssuerMetadata carries the non-secret display material attached to a
// trust entry, common to both variants.
type IssuerMetadata struct {
	DisplayName       string `json:"displayName"`
	Icon              string `json:"icon,omitempty"`
	PrivacyPolicyURL  string `json:"privacyPolicyUrl,omitempty"`
	TestOnly          bool   `json:"testOnly,omitempty"`
}

// IssuerTrustEntry is a discriminated union: exactly one of Cert or
// SignedVical is populated, selected by Type. Modeled as a single struct
// with a type tag rather than an interface/subclass hierarchy, per the
// spec's explicit guidance that this is a tagged variant, not a class
// hierarchy.
type IssuerTrustEntry struct {
	Type        IssuerTrustEntryType `json:"type"`
	Cert        string               `json:"cert,omitempty"`        // base64url DER, iaca only
	SignedVical string               `json:"signedVical,omitempty"` // base64url CBOR, vical only
	Metadata    IssuerMetadata       `json:"metadata"`
}

// Validate checks that exactly the field appropriate to Type is populated.
func (e IssuerTrustEntry) Validate() error {
	switch e.Type {
	case IssuerTrustEntryIACA:
		if e.Cert == "" {
			return fmt.Errorf("protocol: iaca entry missing cert")
		}
		if e.SignedVical != "" {
			return fmt.Errorf("protocol: iaca entry must not carry signedVical")
		}
	case IssuerTrustEntryVICAL:
		if e.SignedVical == "" {
			return fmt.Errorf("protocol: vical entry missing signedVical")
		}
		if e.Cert != "" {
			return fmt.Errorf("protocol: vical entry must not carry cert")
		}
	default:
		return fmt.Errorf("protocol: unknown issuer trust entry type %q", e.Type)
	}
	return nil
}

// UnmarshalJSON rejects unknown entry types early, rather than silently
// accepting a malformed tagged union.
func (e *IssuerTrustEntry) UnmarshalJSON(data []byte) error {
	type alias IssuerTrustEntry
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = IssuerTrustEntry(a)
	return e.Validate()
}
