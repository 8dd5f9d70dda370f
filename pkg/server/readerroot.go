package server

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jmhodges/clock"

	"github.com/multipaz/readercred/pkg/storage"
)

const (
	readerRootValidity = 5 * 365 * 24 * time.Hour

	slotTrusted   = "reader_root_identity"
	slotUntrusted = "reader_root_identity_untrusted_devices"

	rootsTable = "ReaderRoots"
)

// readerRootIdentity is the reader root CA's private key and self-signed
// certificate, the signer of every short-lived leaf certificate
// CertifyKeys issues.
type readerRootIdentity struct {
	Generation int
	PrivateKey *ecdsa.PrivateKey
	Cert       *x509.Certificate
}

// readerRootData is the JSON shape persisted under a configuration slot
// name, optionally with PrivateKeyDER AES-256-GCM encrypted.
type readerRootData struct {
	Generation   int    `json:"generation"`
	CertDER      []byte `json:"certDer"`
	PrivateKeyDER []byte `json:"privateKeyDer"`
	Encrypted    bool   `json:"encrypted"`
}

// rootKeyring loads or creates the trusted and untrusted-devices reader
// roots, persisting them under named slots. The reader root private key
// is a process-wide secret loaded at server start. The slot names are the
// fixed constants above; ServerConfig has no option that selects a
// different slot, so a root is replaced only by removing its stored row.
type rootKeyring struct {
	table         storage.Table
	encryptionKey []byte // nil means store unencrypted

	trusted   *readerRootIdentity
	untrusted *readerRootIdentity
}

func newRootKeyring(store storage.Store, encryptionKeyHex string, c clock.Clock) (*rootKeyring, error) {
	var key []byte
	if encryptionKeyHex != "" {
		var err error
		key, err = hex.DecodeString(encryptionKeyHex)
		if err != nil {
			return nil, fmt.Errorf("server: decode encryptionKeyHex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("server: encryptionKeyHex must decode to 32 bytes, got %d", len(key))
		}
	}

	rk := &rootKeyring{table: store.Table(rootsTable), encryptionKey: key}

	trusted, err := rk.loadOrCreate(slotTrusted, "Multipaz Identity Verifier Reader Root", c)
	if err != nil {
		return nil, err
	}
	untrusted, err := rk.loadOrCreate(slotUntrusted, "Multipaz Identity Verifier Reader Root (Untrusted Devices)", c)
	if err != nil {
		return nil, err
	}
	rk.trusted = trusted
	rk.untrusted = untrusted
	return rk, nil
}

func (rk *rootKeyring) root(untrusted bool) *readerRootIdentity {
	if untrusted {
		return rk.untrusted
	}
	return rk.trusted
}

func (rk *rootKeyring) loadOrCreate(slot, commonName string, c clock.Clock) (*readerRootIdentity, error) {
	raw, err := rk.table.Get(slot)
	if err == nil {
		return rk.decode(raw)
	}
	if err != storage.ErrNotFound {
		return nil, fmt.Errorf("server: load reader root %s: %w", slot, err)
	}

	id, err := generateReaderRoot(commonName, c)
	if err != nil {
		return nil, err
	}
	encoded, err := rk.encode(id)
	if err != nil {
		return nil, err
	}
	if err := rk.table.Insert(slot, encoded); err != nil {
		return nil, fmt.Errorf("server: persist reader root %s: %w", slot, err)
	}
	return id, nil
}

func generateReaderRoot(commonName string, c clock.Clock) (*readerRootIdentity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("server: generate reader root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("server: generate reader root serial: %w", err)
	}

	// NotBefore tracks the same clock as leaf issuance (backend.go's
	// b.clock), backdated by the maximum issuance jitter plus an hour so a
	// leaf minted moments after root creation never has a validity window
	// that starts before its issuer's.
	now := c.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Multipaz"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-(maxIssuanceJitter + time.Hour)),
		NotAfter:              now.Add(readerRootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("server: self-sign reader root: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("server: parse reader root cert: %w", err)
	}

	return &readerRootIdentity{Generation: 1, PrivateKey: priv, Cert: cert}, nil
}

func (rk *rootKeyring) encode(id *readerRootIdentity) ([]byte, error) {
	keyDER, err := x509.MarshalECPrivateKey(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("server: marshal reader root key: %w", err)
	}

	data := readerRootData{Generation: id.Generation, CertDER: id.Cert.Raw}
	if rk.encryptionKey != nil {
		encrypted, err := encryptAESGCM(rk.encryptionKey, keyDER)
		if err != nil {
			return nil, err
		}
		data.PrivateKeyDER = encrypted
		data.Encrypted = true
	} else {
		data.PrivateKeyDER = keyDER
	}
	return json.Marshal(data)
}

func (rk *rootKeyring) decode(raw []byte) (*readerRootIdentity, error) {
	var data readerRootData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("server: unmarshal reader root: %w", err)
	}

	keyDER := data.PrivateKeyDER
	if data.Encrypted {
		if rk.encryptionKey == nil {
			return nil, fmt.Errorf("server: reader root is encrypted but no encryptionKeyHex configured")
		}
		decrypted, err := decryptAESGCM(rk.encryptionKey, keyDER)
		if err != nil {
			return nil, err
		}
		keyDER = decrypted
	}

	priv, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("server: parse reader root key: %w", err)
	}
	cert, err := x509.ParseCertificate(data.CertDER)
	if err != nil {
		return nil, fmt.Errorf("server: parse reader root cert: %w", err)
	}
	return &readerRootIdentity{Generation: data.Generation, PrivateKey: priv, Cert: cert}, nil
}

// encryptAESGCM and decryptAESGCM protect the reader-root private key at
// rest using a key held in the server's root keyring rather than a
// package-global secret.
func encryptAESGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("server: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("server: create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("server: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptAESGCM(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("server: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("server: create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("server: ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}
