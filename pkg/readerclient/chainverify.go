package readerclient

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"
)

// verifyChain checks that chain[0] (the single-use reader-auth leaf) is
// actually signed by chain[1] (the reader root returned alongside it):
// build a one-certificate pool from the purported root and run
// x509.Verify against it, so a corrupted or mismatched certification
// response is rejected before its row ever reaches the pool.
func verifyChain(chain []string, now time.Time) error {
	if len(chain) != 2 {
		return fmt.Errorf("readerclient: expected a 2-certificate chain, got %d", len(chain))
	}

	leaf, err := decodeChainCert(chain[0])
	if err != nil {
		return fmt.Errorf("readerclient: decode leaf: %w", err)
	}
	root, err := decodeChainCert(chain[1])
	if err != nil {
		return fmt.Errorf("readerclient: decode root: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)

	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("readerclient: certification chain does not verify against its own root: %w", err)
	}
	return nil
}

func decodeChainCert(encoded string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
