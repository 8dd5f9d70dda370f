package readerclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"
)

func makeTestRoot(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}
	return key, cert, base64.StdEncoding.EncodeToString(der)
}

func makeTestLeaf(t *testing.T, rootKey *ecdsa.PrivateKey, root *x509.Certificate) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "Test Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, root, &key.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func TestVerifyChainAcceptsSelfConsistentChain(t *testing.T) {
	rootKey, rootCert, rootEncoded := makeTestRoot(t)
	leafEncoded := makeTestLeaf(t, rootKey, rootCert)

	if err := verifyChain([]string{leafEncoded, rootEncoded}, time.Now()); err != nil {
		t.Fatalf("verifyChain() error = %v, want nil", err)
	}
}

func TestVerifyChainRejectsMismatchedRoot(t *testing.T) {
	rootKey, rootCert, _ := makeTestRoot(t)
	leafEncoded := makeTestLeaf(t, rootKey, rootCert)
	_, _, otherRootEncoded := makeTestRoot(t)

	if err := verifyChain([]string{leafEncoded, otherRootEncoded}, time.Now()); err == nil {
		t.Fatal("verifyChain() error = nil, want error for a leaf signed by a different root")
	}
}

func TestVerifyChainRejectsWrongLength(t *testing.T) {
	if err := verifyChain([]string{"onlyone"}, time.Now()); err == nil {
		t.Fatal("verifyChain() error = nil, want error for a 1-element chain")
	}
}
