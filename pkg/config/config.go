// Package config loads the YAML configuration for the reader backend
// server and the reader backend client.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/multipaz/readercred/pkg/attestation"
)

// ServerConfig is the reader backend server's on-disk configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	DataDir    string `yaml:"dataDir"`

	ReaderCertValidityDays int `yaml:"readerCertValidityDays"`

	IOSReleaseBuild              bool     `yaml:"iosReleaseBuild"`
	IOSAppIdentifier             string   `yaml:"iosAppIdentifier"`
	AndroidRequireGMSAttestation bool     `yaml:"androidRequireGmsAttestation"`
	AndroidRequireVerifiedBoot   bool     `yaml:"androidRequireVerifiedBootGreen"`
	AndroidAppSignatureDigests   []string `yaml:"androidAppSignatureCertificateDigests"`

	// AllowUntrustedFallback, when true, routes attestation-policy
	// failures to the untrusted-devices reader root instead of failing
	// the registration outright: the service remains functional but the
	// resulting certificates are distinguishable from trusted ones.
	AllowUntrustedFallback bool `yaml:"allowUntrustedFallback"`

	// EncryptionKeyHex, if set, is a 32-byte hex-encoded AES-256 key used
	// to encrypt the reader-root private keys at rest. Empty means
	// store them unencrypted (acceptable for local development only).
	EncryptionKeyHex string `yaml:"encryptionKeyHex"`

	TrustedIssuersPath string `yaml:"trustedIssuersPath"`
}

// Policy renders the attestation-relevant fields as an attestation.Policy.
func (c ServerConfig) Policy() attestation.Policy {
	return attestation.Policy{
		IOSReleaseBuild:                 c.IOSReleaseBuild,
		IOSAppIdentifier:                c.IOSAppIdentifier,
		AndroidRequireGMSAttestation:    c.AndroidRequireGMSAttestation,
		AndroidRequireVerifiedBootGreen: c.AndroidRequireVerifiedBoot,
		AndroidAppSignatureDigests:      c.AndroidAppSignatureDigests,
		AllowUntrustedFallback:          c.AllowUntrustedFallback,
	}
}

// ReaderCertValidity is ReaderCertValidityDays as a time.Duration.
func (c ServerConfig) ReaderCertValidity() time.Duration {
	days := c.ReaderCertValidityDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// ClientConfig is the reader backend client's on-disk configuration.
type ClientConfig struct {
	ReaderBackendURL string `yaml:"readerBackendUrl"`
	StorageDataDir   string `yaml:"storage"`
	SecureAreaKind   string `yaml:"secureArea"` // "software" is the only kind shipped
	NumKeys          int    `yaml:"numKeys"`
}

// LoadServerConfig reads and parses a ServerConfig from path.
func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadClientConfig reads and parses a ClientConfig from path.
func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.NumKeys <= 0 {
		cfg.NumKeys = 10
	}
	return cfg, nil
}
