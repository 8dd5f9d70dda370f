package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/jmhodges/clock"

	"github.com/multipaz/readercred/pkg/attestation"
	"github.com/multipaz/readercred/pkg/config"
	"github.com/multipaz/readercred/pkg/protocol"
	"github.com/multipaz/readercred/pkg/rcerrors"
	"github.com/multipaz/readercred/pkg/storage"
)

func newTestBackend(t *testing.T) (*Backend, attestation.Generator) {
	t.Helper()
	adapter := attestation.NewIOSAdapter("com.multipaz.reader", true)
	cfg := config.ServerConfig{ReaderCertValidityDays: 30}
	b, err := NewBackend(storage.NewMemoryStore(), adapter, adapter, clock.NewFake(), cfg)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	return b, adapter
}

func TestRegisterAndCertifyKeysHappyPath(t *testing.T) {
	b, adapter := newTestBackend(t)
	ctx := context.Background()

	nonceResp, err := b.GetNonce(ctx)
	if err != nil {
		t.Fatalf("GetNonce() error = %v", err)
	}

	challenge, _ := base64.RawURLEncoding.DecodeString(nonceResp.Nonce)
	blob, err := adapter.GenerateAttestation(challenge)
	if err != nil {
		t.Fatalf("GenerateAttestation() error = %v", err)
	}

	regResp, err := b.Register(ctx, protocol.RegisterRequest{
		Nonce:             nonceResp.Nonce,
		DeviceAttestation: base64.RawURLEncoding.EncodeToString(blob),
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if regResp.RegistrationID == "" {
		t.Fatal("Register() returned empty registrationId")
	}

	nonceResp2, err := b.GetNonce(ctx)
	if err != nil {
		t.Fatalf("second GetNonce() error = %v", err)
	}
	challenge2, _ := base64.RawURLEncoding.DecodeString(nonceResp2.Nonce)
	assertionBlob, err := adapter.GenerateAssertion(challenge2, blob)
	if err != nil {
		t.Fatalf("GenerateAssertion() error = %v", err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate reader key: %v", err)
	}
	jwk := protocol.EncodeJWK(&priv.PublicKey)

	certResp, err := b.CertifyKeys(ctx, protocol.CertifyKeysRequest{
		RegistrationID:  regResp.RegistrationID,
		Nonce:           nonceResp2.Nonce,
		DeviceAssertion: base64.RawURLEncoding.EncodeToString(assertionBlob),
		Keys:            []protocol.JWK{jwk},
	})
	if err != nil {
		t.Fatalf("CertifyKeys() error = %v", err)
	}
	if len(certResp.ReaderCertifications) != 1 {
		t.Fatalf("len(ReaderCertifications) = %d, want 1", len(certResp.ReaderCertifications))
	}
	if len(certResp.ReaderCertifications[0]) != 2 {
		t.Fatalf("chain length = %d, want 2 (leaf + root)", len(certResp.ReaderCertifications[0]))
	}
}

func TestCertifyKeysUnknownRegistrationIsRegistrationLost(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	nonceResp, _ := b.GetNonce(ctx)
	_, err := b.CertifyKeys(ctx, protocol.CertifyKeysRequest{
		RegistrationID:  "does-not-exist",
		Nonce:           nonceResp.Nonce,
		DeviceAssertion: base64.RawURLEncoding.EncodeToString([]byte("irrelevant")),
	})
	if !rcerrors.Is(err, rcerrors.RegistrationLost) {
		t.Fatalf("err = %v, want RegistrationLost", err)
	}
}

func TestNonceConsumedOnceByCertifyKeys(t *testing.T) {
	b, adapter := newTestBackend(t)
	ctx := context.Background()

	nonceResp, _ := b.GetNonce(ctx)
	challenge, _ := base64.RawURLEncoding.DecodeString(nonceResp.Nonce)
	blob, _ := adapter.GenerateAttestation(challenge)
	regResp, err := b.Register(ctx, protocol.RegisterRequest{
		Nonce:             nonceResp.Nonce,
		DeviceAttestation: base64.RawURLEncoding.EncodeToString(blob),
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	certNonce, _ := b.GetNonce(ctx)
	certChallenge, _ := base64.RawURLEncoding.DecodeString(certNonce.Nonce)
	assertionBlob, _ := adapter.GenerateAssertion(certChallenge, blob)
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	jwk := protocol.EncodeJWK(&priv.PublicKey)

	req := protocol.CertifyKeysRequest{
		RegistrationID:  regResp.RegistrationID,
		Nonce:           certNonce.Nonce,
		DeviceAssertion: base64.RawURLEncoding.EncodeToString(assertionBlob),
		Keys:            []protocol.JWK{jwk},
	}
	if _, err := b.CertifyKeys(ctx, req); err != nil {
		t.Fatalf("first CertifyKeys() error = %v", err)
	}

	// Replaying the same nonce must fail: decision 1 in the design notes
	// deletes it on consume.
	if _, err := b.CertifyKeys(ctx, req); !rcerrors.Is(err, rcerrors.NonceUnknown) {
		t.Fatalf("replayed CertifyKeys() err = %v, want NonceUnknown", err)
	}
}

func TestGetIssuerListVersionComparison(t *testing.T) {
	b, _ := newTestBackend(t)
	b.SetIssuerList(42, []protocol.IssuerTrustEntry{{Type: protocol.IssuerTrustEntryIACA, Cert: "Y2VydA"}})
	ctx := context.Background()

	v42 := int64(42)
	resp, err := b.GetIssuerList(ctx, protocol.GetIssuerListRequest{CurrentVersion: &v42})
	if err != nil {
		t.Fatalf("GetIssuerList() error = %v", err)
	}
	if !resp.UpToDate {
		t.Error("expected UpToDate = true for matching version")
	}

	v41 := int64(41)
	resp, err = b.GetIssuerList(ctx, protocol.GetIssuerListRequest{CurrentVersion: &v41})
	if err != nil {
		t.Fatalf("GetIssuerList() error = %v", err)
	}
	if resp.UpToDate || resp.Version != 42 || len(resp.Entries) != 1 {
		t.Errorf("resp = %+v, want full list at version 42", resp)
	}

	resp, err = b.GetIssuerList(ctx, protocol.GetIssuerListRequest{})
	if err != nil {
		t.Fatalf("GetIssuerList() error = %v", err)
	}
	if resp.UpToDate || resp.Version != 42 {
		t.Errorf("nil currentVersion should return the full list, got %+v", resp)
	}
}
