// Package securearea models a secure key store: creation of
// non-exportable key pairs under an opaque alias, signing with those
// keys, and deletion. The real platform secure element (StrongBox,
// Secure Enclave) is out of scope; this package provides the
// software-only implementation a desktop build or test run falls back
// to.
package securearea

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// KeyInfo is everything the rest of the system is allowed to know about a
// secure-store key: its opaque handle and its public key. The private key
// never leaves the store.
type KeyInfo struct {
	Alias     string
	PublicKey *ecdsa.PublicKey
}

// Area creates, signs with, and deletes non-exportable EC key pairs.
type Area interface {
	CreateKey() (KeyInfo, error)
	GetKeyInfo(alias string) (KeyInfo, error)
	Sign(alias string, digest []byte) ([]byte, error)
	DeleteKey(alias string) error
	// ListAliases returns every alias currently held, so a pool manager
	// can garbage-collect secure-store keys orphaned by a crash between
	// key creation and row insertion.
	ListAliases() ([]string, error)
}

// Software is an in-process Area. Keys live only in memory for the
// lifetime of the process — there is no non-exportable hardware boundary
// to enforce, so "non-exportable" here just means the private key is
// never returned by any Area method.
type Software struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

func NewSoftware() *Software {
	return &Software{keys: make(map[string]*ecdsa.PrivateKey)}
}

func (s *Software) CreateKey() (KeyInfo, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("securearea: generate key: %w", err)
	}
	alias := uuid.NewString()

	s.mu.Lock()
	s.keys[alias] = priv
	s.mu.Unlock()

	return KeyInfo{Alias: alias, PublicKey: &priv.PublicKey}, nil
}

func (s *Software) GetKeyInfo(alias string) (KeyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, ok := s.keys[alias]
	if !ok {
		return KeyInfo{}, fmt.Errorf("securearea: no key at alias %q", alias)
	}
	return KeyInfo{Alias: alias, PublicKey: &priv.PublicKey}, nil
}

func (s *Software) Sign(alias string, digest []byte) ([]byte, error) {
	s.mu.Lock()
	priv, ok := s.keys[alias]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("securearea: no key at alias %q", alias)
	}
	return ecdsa.SignASN1(rand.Reader, priv, digest)
}

func (s *Software) DeleteKey(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, alias)
	return nil
}

func (s *Software) ListAliases() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aliases := make([]string, 0, len(s.keys))
	for alias := range s.keys {
		aliases = append(aliases, alias)
	}
	return aliases, nil
}

// MarshalPublicKey renders a KeyInfo's public key as a PKIX DER blob.
// certifyKeys does not use it; its JWKs come from protocol.EncodeJWK.
func MarshalPublicKey(info KeyInfo) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(info.PublicKey)
}
