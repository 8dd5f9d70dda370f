// Package protocol defines the four JSON request/response shapes exchanged
// between the reader backend client and server, plus the shared issuer
// trust entry type. Binary fields are carried as plain Go strings at this
// layer, so these structs round-trip through encoding/json directly; the
// encoding is applied by pkg/readerclient and pkg/server, not here. Nonces,
// attestation and assertion blobs, and JWK coordinates are base64url
// without padding; certificates in readerCertifications are x5c-style
// standard base64 DER.
package protocol

// Method names identify the four RPCs at the transport layer
// (<baseUrl>/<method>).
const (
	MethodGetNonce      = "getNonce"
	MethodRegister      = "register"
	MethodCertifyKeys   = "certifyKeys"
	MethodGetIssuerList = "getIssuerList"
)

// GetNonceRequest carries no fields.
type GetNonceRequest struct{}

// GetNonceResponse returns a freshly minted nonce.
type GetNonceResponse struct {
	Nonce string `json:"nonce"`
}

// RegisterRequest presents a nonce and a device attestation blob.
type RegisterRequest struct {
	Nonce             string `json:"nonce"`
	DeviceAttestation string `json:"deviceAttestation"`
}

// RegisterResponse returns the server-issued registration id.
type RegisterResponse struct {
	RegistrationID string `json:"registrationId"`
}

// JWK is the minimal JSON Web Key shape the certifyKeys request submits:
// an EC public key, identified by its coordinates. Private material never
// crosses this boundary.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// CertifyKeysRequest asks the server to certify a batch of reader public
// keys in a single registration's name.
type CertifyKeysRequest struct {
	RegistrationID  string `json:"registrationId"`
	Nonce           string `json:"nonce"`
	DeviceAssertion string `json:"deviceAssertion"`
	Keys            []JWK  `json:"keys"`
}

// CertifyKeysResponse returns one x5c-style certificate chain per
// requested key, in the same order.
type CertifyKeysResponse struct {
	ReaderCertifications [][]string `json:"readerCertifications"`
}

// GetIssuerListRequest's CurrentVersion is nil to request the full list.
type GetIssuerListRequest struct {
	CurrentVersion *int64 `json:"currentVersion,omitempty"`
}

// GetIssuerListResponse is either {upToDate: true} or a full
// {version, entries} payload.
type GetIssuerListResponse struct {
	UpToDate bool              `json:"upToDate,omitempty"`
	Version  int64             `json:"version,omitempty"`
	Entries  []IssuerTrustEntry `json:"entries,omitempty"`
}
