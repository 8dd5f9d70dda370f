// Package server implements the reader backend RPCs: nonce minting,
// device registration, key certification under the reader root, and
// issuer-list distribution.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	mrand "math/rand"
	"os"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/multipaz/readercred/pkg/attestation"
	"github.com/multipaz/readercred/pkg/config"
	"github.com/multipaz/readercred/pkg/log"
	"github.com/multipaz/readercred/pkg/metrics"
	"github.com/multipaz/readercred/pkg/protocol"
	"github.com/multipaz/readercred/pkg/rcerrors"
	"github.com/multipaz/readercred/pkg/storage"
)

const (
	nonceTable         = "ReaderBackendNonces"
	clientsTable       = "ReaderBackendClients"
	nonceValidity      = 5 * time.Minute
	maxIssuanceJitter  = 12 * time.Hour
	readerLeafCN       = "Multipaz Identity Verifier Single-Use Key"
)

// registrationRow is the persisted shape of a registered device: its
// raw attestation blob, whether it fell back to the untrusted reader
// root, and when it registered.
type registrationRow struct {
	DeviceAttestation []byte `json:"deviceAttestation"`
	Untrusted         bool   `json:"untrusted"`
	RegisteredAt      time.Time `json:"registeredAt"`
}

// Backend implements the four reader backend RPCs against a Store, an
// attestation Validator/AssertionValidator, and a pair of reader root
// identities.
type Backend struct {
	store      storage.Store
	validator  attestation.Validator
	assertions attestation.AssertionValidator
	roots      *rootKeyring
	clock      clock.Clock
	cfg        config.ServerConfig

	nonces  storage.Table
	clients storage.Table

	issuerListMu sync.RWMutex
	issuerList   issuerListState
}

type issuerListState struct {
	version int64
	entries []protocol.IssuerTrustEntry
}

// SetIssuerList replaces the served trusted-issuer list and its version.
// Used both by NewBackend when it loads the trusted issuers file and by
// tests that want to seed the list without a file on disk.
func (b *Backend) SetIssuerList(version int64, entries []protocol.IssuerTrustEntry) {
	b.issuerListMu.Lock()
	defer b.issuerListMu.Unlock()
	b.issuerList = issuerListState{version: version, entries: entries}
}

// NewBackend wires a Backend from a Store and the validation adapters. The
// issuer trust list is loaded once at construction from cfg.TrustedIssuersPath
// if set; otherwise it starts empty at version 0.
func NewBackend(store storage.Store, validator attestation.Validator, assertions attestation.AssertionValidator, c clock.Clock, cfg config.ServerConfig) (*Backend, error) {
	roots, err := newRootKeyring(store, cfg.EncryptionKeyHex, c)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		store:      store,
		validator:  validator,
		assertions: assertions,
		roots:      roots,
		clock:      c,
		cfg:        cfg,
		nonces:     store.TableWithTTL(nonceTable, nonceValidity),
		clients:    store.Table(clientsTable),
	}

	if cfg.TrustedIssuersPath != "" {
		if err := b.loadIssuerList(cfg.TrustedIssuersPath); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) loadIssuerList(path string) error {
	var doc struct {
		Version int64                      `json:"version"`
		Entries []protocol.IssuerTrustEntry `json:"entries"`
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("server: read trusted issuers file: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("server: parse trusted issuers file: %w", err)
	}
	b.SetIssuerList(doc.Version, doc.Entries)
	return nil
}

// GetNonce mints a fresh single-use challenge: 16 random bytes, stored
// with a 5-minute expiration, returned base64url.
func (b *Backend) GetNonce(ctx context.Context) (protocol.GetNonceResponse, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return protocol.GetNonceResponse{}, rcerrors.InternalServerError("generate nonce: %v", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buf)

	if err := b.nonces.Insert(nonce, []byte{}); err != nil {
		return protocol.GetNonceResponse{}, rcerrors.InternalServerError("store nonce: %v", err)
	}

	metrics.NoncesIssuedTotal.Inc()
	return protocol.GetNonceResponse{Nonce: nonce}, nil
}

// Register validates a device's attestation against a previously-minted
// nonce and records the device under a fresh registrationId, which
// CertifyKeys accepts immediately.
func (b *Backend) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	if _, err := b.nonces.GetAndDelete(req.Nonce); err != nil {
		if err == storage.ErrNotFound {
			return protocol.RegisterResponse{}, rcerrors.NonceUnknownError("nonce %q is unknown or expired", req.Nonce)
		}
		return protocol.RegisterResponse{}, rcerrors.InternalServerError("consume nonce: %v", err)
	}

	attestationBlob, err := base64.RawURLEncoding.DecodeString(req.DeviceAttestation)
	if err != nil {
		return protocol.RegisterResponse{}, rcerrors.AttestationInvalidError("malformed deviceAttestation encoding")
	}
	challenge, err := base64.RawURLEncoding.DecodeString(req.Nonce)
	if err != nil {
		return protocol.RegisterResponse{}, rcerrors.InternalServerError("decode nonce: %v", err)
	}

	untrusted := false
	if err := b.validator.ValidateAttestation(attestationBlob, challenge, b.cfg.Policy()); err != nil {
		if b.cfg.AllowUntrustedFallback && rcerrors.Is(err, rcerrors.AttestationInvalid) {
			untrusted = true
			log.WithComponent("server").Warn().Msg("attestation policy failed, routing to untrusted reader root")
		} else {
			return protocol.RegisterResponse{}, err
		}
	}

	row := registrationRow{
		DeviceAttestation: attestationBlob,
		Untrusted:         untrusted,
		RegisteredAt:      b.clock.Now(),
	}
	encoded, err := json.Marshal(row)
	if err != nil {
		return protocol.RegisterResponse{}, rcerrors.InternalServerError("marshal registration: %v", err)
	}

	registrationID, err := b.clients.InsertAutoKey(encoded)
	if err != nil {
		return protocol.RegisterResponse{}, rcerrors.InternalServerError("store registration: %v", err)
	}

	metrics.RegistrationsTotal.Inc()
	return protocol.RegisterResponse{RegistrationID: registrationID}, nil
}

// CertifyKeys validates a device assertion over a batch of public keys
// and issues a reader-auth certificate chain for each one.
func (b *Backend) CertifyKeys(ctx context.Context, req protocol.CertifyKeysRequest) (protocol.CertifyKeysResponse, error) {
	raw, err := b.clients.Get(req.RegistrationID)
	if err != nil {
		if err == storage.ErrNotFound {
			return protocol.CertifyKeysResponse{}, rcerrors.RegistrationLostError("registrationId %q not found", req.RegistrationID)
		}
		return protocol.CertifyKeysResponse{}, rcerrors.InternalServerError("look up registration: %v", err)
	}
	var row registrationRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return protocol.CertifyKeysResponse{}, rcerrors.InternalServerError("unmarshal registration: %v", err)
	}

	// The nonce is consumed atomically here: get-and-delete closes the
	// window where a replayed or raced request could certify against the
	// same nonce twice.
	if _, err := b.nonces.GetAndDelete(req.Nonce); err != nil {
		if err == storage.ErrNotFound {
			return protocol.CertifyKeysResponse{}, rcerrors.NonceUnknownError("nonce %q is unknown or expired", req.Nonce)
		}
		return protocol.CertifyKeysResponse{}, rcerrors.InternalServerError("consume nonce: %v", err)
	}

	challenge, err := base64.RawURLEncoding.DecodeString(req.Nonce)
	if err != nil {
		return protocol.CertifyKeysResponse{}, rcerrors.InternalServerError("decode nonce: %v", err)
	}
	assertion, err := base64.RawURLEncoding.DecodeString(req.DeviceAssertion)
	if err != nil {
		return protocol.CertifyKeysResponse{}, rcerrors.AssertionMismatchError("malformed deviceAssertion encoding")
	}
	if err := b.assertions.ValidateAssertion(assertion, challenge, row.DeviceAttestation); err != nil {
		return protocol.CertifyKeysResponse{}, err
	}

	root := b.roots.root(row.Untrusted)
	now := b.clock.Now()
	chains := make([][]string, len(req.Keys))

	for i, jwk := range req.Keys {
		pub, err := protocol.DecodeJWK(jwk)
		if err != nil {
			return protocol.CertifyKeysResponse{}, rcerrors.InternalServerError("decode key %d: %v", i, err)
		}

		chain, err := issueReaderCert(pub, root, now, b.cfg.ReaderCertValidity())
		if err != nil {
			return protocol.CertifyKeysResponse{}, rcerrors.InternalServerError("issue cert %d: %v", i, err)
		}
		chains[i] = chain
	}

	if len(chains) != len(req.Keys) {
		return protocol.CertifyKeysResponse{}, rcerrors.InternalServerError("certification count mismatch")
	}

	rootLabel := "trusted"
	if row.Untrusted {
		rootLabel = "untrusted"
	}
	metrics.KeysCertifiedTotal.WithLabelValues(rootLabel).Add(float64(len(chains)))

	return protocol.CertifyKeysResponse{ReaderCertifications: chains}, nil
}

// issueReaderCert issues a single reader-auth leaf certificate under
// root, with up-to-12h jitter on both ends of the validity window so
// simultaneously-issued certificates are not correlatable by their
// exact validity bounds.
func issueReaderCert(pub *ecdsa.PublicKey, root *readerRootIdentity, now time.Time, duration time.Duration) ([]string, error) {
	jitterFrom := time.Duration(mrand.Int63n(int64(maxIssuanceJitter)))
	jitterUntil := time.Duration(mrand.Int63n(int64(maxIssuanceJitter)))

	validFrom := now.Add(-jitterFrom)
	validUntil := now.Add(duration).Add(jitterUntil)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: readerLeafCN},
		NotBefore:    validFrom,
		NotAfter:     validUntil,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, root.Cert, pub, root.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign reader cert: %w", err)
	}

	return []string{
		base64.StdEncoding.EncodeToString(certDER),
		base64.StdEncoding.EncodeToString(root.Cert.Raw),
	}, nil
}

// GetIssuerList returns the current trusted-issuer list, or UpToDate if
// the caller already has the current version.
func (b *Backend) GetIssuerList(ctx context.Context, req protocol.GetIssuerListRequest) (protocol.GetIssuerListResponse, error) {
	b.issuerListMu.RLock()
	defer b.issuerListMu.RUnlock()
	if req.CurrentVersion != nil && *req.CurrentVersion == b.issuerList.version {
		return protocol.GetIssuerListResponse{UpToDate: true}, nil
	}
	return protocol.GetIssuerListResponse{
		Version: b.issuerList.version,
		Entries: b.issuerList.entries,
	}, nil
}
