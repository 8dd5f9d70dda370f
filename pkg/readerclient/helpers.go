package readerclient

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"
)

func decodeNonce(nonce string) []byte {
	b, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil {
		// The nonce came from our own transport.Client, which only ever
		// carries values minted by the server's base64.RawURLEncoding.
		return []byte(nonce)
	}
	return b
}

func encodeToBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// leafValidity extracts notBefore/notAfter from the leaf certificate of a
// chain, encoded the way pkg/server.issueReaderCert encodes it
// (base64.StdEncoding DER, leaf first).
func leafValidity(chain []string) (validFrom, validUntil time.Time, err error) {
	if len(chain) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("empty certificate chain")
	}
	der, err := base64.StdEncoding.DecodeString(chain[0])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("decode leaf certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse leaf certificate: %w", err)
	}
	return cert.NotBefore, cert.NotAfter, nil
}
