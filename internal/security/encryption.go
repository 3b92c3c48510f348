package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ErrSealBroken is returned by Open when a sealed payload fails integrity or
// authentication checks.
var ErrSealBroken = errors.New("sealed payload failed verification")

const sealVersion = 1

// EncryptionConfig defines the key derivation and AES-GCM parameters.
type EncryptionConfig struct {
	SCryptN      int
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int
	NonceSize    int
}

// DefaultEncryptionConfig returns the production parameters.
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

// ValidateEncryptionConfig checks that the parameters are usable for
// AES-256-GCM with scrypt.
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN < 2 || config.SCryptN&(config.SCryptN-1) != 0 {
		return errors.New("SCryptN must be a power of two greater than 1")
	}
	if config.SCryptR < 1 || config.SCryptP < 1 {
		return errors.New("SCryptR and SCryptP must be positive")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

// sealedPayload is the on-disk envelope of a sealed record.
type sealedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Integrity  []byte `json:"integrity"`
}

// Sealer encrypts records at rest with a key derived from a machine secret.
// A record sealed on one machine cannot be opened on another.
type Sealer struct {
	secret []byte
	config *EncryptionConfig
}

// NewSealer creates a sealer. secret must be at least 16 bytes; the device
// fingerprint is the usual choice.
func NewSealer(secret []byte, config *EncryptionConfig) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, errors.New("sealing secret must be at least 16 bytes")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}
	return &Sealer{secret: append([]byte(nil), secret...), config: config}, nil
}

// NewFingerprintSealer seals with the current device fingerprint.
func NewFingerprintSealer(fm *FingerprintManager, config *EncryptionConfig) (*Sealer, error) {
	fp, err := fm.GenerateFingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device fingerprint: %w", err)
	}
	return NewSealer([]byte(fp.Fingerprint), config)
}

// Seal encrypts plaintext and returns the JSON envelope.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, s.config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte{sealVersion})
	return json.Marshal(sealedPayload{
		Version:    sealVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Integrity:  integrityHash(ciphertext, salt, nonce),
	})
}

// Open reverses Seal. Tampered, truncated or foreign payloads return an error
// wrapping ErrSealBroken.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	var p sealedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealBroken, err)
	}
	if p.Version != sealVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSealBroken, p.Version)
	}
	if len(p.Nonce) != s.config.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrSealBroken)
	}
	if subtle.ConstantTimeCompare(p.Integrity, integrityHash(p.Ciphertext, p.Salt, p.Nonce)) != 1 {
		return nil, fmt.Errorf("%w: integrity mismatch", ErrSealBroken)
	}

	gcm, err := s.aead(p.Salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, p.Nonce, p.Ciphertext, []byte{sealVersion})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealBroken, err)
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	c := s.config
	key, err := scrypt.Key(s.secret, salt, c.SCryptN, c.SCryptR, c.SCryptP, c.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func integrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("LICENSEGATE-SEAL-V1"))
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

// SecureCompare performs a constant-time comparison.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
