// Package hsm emulates a hardware security module boundary: versioned
// AES-256-GCM keys that never leave this package, with an append-only audit
// trail of every operation.
//
// Callers receive ciphertext, nonces and version numbers only. Key bytes are
// held in unexported maps and are never part of a return value, an error
// message, or an audit entry.
package hsm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
)

const AlgorithmAESGCM = "AES-256-GCM"

var (
	ErrKeyExists         = errors.New("hsm: key already exists")
	ErrKeyNotFound       = errors.New("hsm: key not found")
	ErrInvalidAlgorithm  = errors.New("hsm: unsupported algorithm")
	ErrInvalidKeyVersion = errors.New("hsm: INVALID_KEY_VERSION")
	// ErrDecryptionFailed covers ciphertext tampering, wrong nonce and AAD
	// mismatch alike. The causes are deliberately indistinguishable.
	ErrDecryptionFailed = errors.New("hsm: DECRYPTION_FAILED")
)

// KeyInfo is the externally visible metadata for a managed key.
type KeyInfo struct {
	ID             string    `json:"id"`
	Algorithm      string    `json:"algorithm"`
	CurrentVersion int       `json:"current_version"`
	VersionCount   int       `json:"version_count"`
	CreatedAt      time.Time `json:"created_at"`
	RotatedAt      time.Time `json:"rotated_at,omitempty"`
}

type managedKey struct {
	mu        sync.RWMutex
	algorithm string
	current   int
	versions  map[int][]byte
	createdAt time.Time
	rotatedAt time.Time
}

// KeyService owns all key material. Operations on independent keys proceed in
// parallel; operations on one key serialize around its version map.
type KeyService struct {
	mu    sync.RWMutex
	keys  map[string]*managedKey
	audit *AuditLog
}

// NewKeyService creates an empty key service.
func NewKeyService() *KeyService {
	return &KeyService{
		keys:  make(map[string]*managedKey),
		audit: NewAuditLog(),
	}
}

// Audit exposes the read side of the audit trail.
func (s *KeyService) Audit() *AuditLog {
	return s.audit
}

// GenerateKey creates version 1 of a new key from the system CSPRNG.
// Only AES-256-GCM is accepted.
func (s *KeyService) GenerateKey(id, algorithm string) error {
	if algorithm != AlgorithmAESGCM {
		s.audit.record(OpGenerate, id, 0, ErrInvalidAlgorithm)
		return fmt.Errorf("%w: %s", ErrInvalidAlgorithm, algorithm)
	}

	material, err := randomKey()
	if err != nil {
		s.audit.record(OpGenerate, id, 0, err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[id]; exists {
		s.audit.record(OpGenerate, id, 0, ErrKeyExists)
		return fmt.Errorf("%w: %s", ErrKeyExists, id)
	}

	s.keys[id] = &managedKey{
		algorithm: algorithm,
		current:   1,
		versions:  map[int][]byte{1: material},
		createdAt: time.Now().UTC(),
	}
	s.audit.record(OpGenerate, id, 1, nil)
	return nil
}

// Encrypt seals plaintext under the current version of the key. The returned
// nonce and version are required for decryption; aad is bound into the seal.
func (s *KeyService) Encrypt(id string, plaintext, aad []byte) (ciphertext, nonce []byte, version int, err error) {
	mk, err := s.lookup(id)
	if err != nil {
		s.audit.record(OpEncrypt, id, 0, err)
		return nil, nil, 0, err
	}

	mk.mu.RLock()
	version = mk.current
	material := mk.versions[version]
	mk.mu.RUnlock()

	gcm, err := newGCM(material)
	if err != nil {
		s.audit.record(OpEncrypt, id, version, err)
		return nil, nil, 0, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		s.audit.record(OpEncrypt, id, version, err)
		return nil, nil, 0, fmt.Errorf("hsm: nonce generation: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	s.audit.record(OpEncrypt, id, version, nil)
	return ciphertext, nonce, version, nil
}

// Decrypt opens ciphertext sealed at the given key version. Any tampering,
// wrong nonce, or AAD mismatch returns ErrDecryptionFailed.
func (s *KeyService) Decrypt(id string, ciphertext, nonce, aad []byte, version int) ([]byte, error) {
	mk, err := s.lookup(id)
	if err != nil {
		s.audit.record(OpDecrypt, id, version, err)
		return nil, err
	}

	mk.mu.RLock()
	material, ok := mk.versions[version]
	mk.mu.RUnlock()
	if !ok {
		s.audit.record(OpDecrypt, id, version, ErrInvalidKeyVersion)
		return nil, fmt.Errorf("%w: key %s has no version %d", ErrInvalidKeyVersion, id, version)
	}

	gcm, err := newGCM(material)
	if err != nil {
		s.audit.record(OpDecrypt, id, version, err)
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		s.audit.record(OpDecrypt, id, version, ErrDecryptionFailed)
		return nil, ErrDecryptionFailed
	}

	s.audit.record(OpDecrypt, id, version, nil)
	return plaintext, nil
}

// RotateKey generates a fresh version and makes it current. All prior
// versions are retained so existing ciphertexts stay decryptable.
func (s *KeyService) RotateKey(id string) (newVersion, oldVersion int, err error) {
	mk, err := s.lookup(id)
	if err != nil {
		s.audit.record(OpRotate, id, 0, err)
		return 0, 0, err
	}

	material, err := randomKey()
	if err != nil {
		s.audit.record(OpRotate, id, 0, err)
		return 0, 0, err
	}

	mk.mu.Lock()
	oldVersion = mk.current
	newVersion = oldVersion + 1
	mk.versions[newVersion] = material
	mk.current = newVersion
	mk.rotatedAt = time.Now().UTC()
	mk.mu.Unlock()

	s.audit.record(OpRotate, id, newVersion, nil)
	return newVersion, oldVersion, nil
}

// GetKeyInfo returns metadata for a key. Key bytes are not part of KeyInfo.
func (s *KeyService) GetKeyInfo(id string) (KeyInfo, error) {
	mk, err := s.lookup(id)
	if err != nil {
		return KeyInfo{}, err
	}

	mk.mu.RLock()
	defer mk.mu.RUnlock()
	return KeyInfo{
		ID:             id,
		Algorithm:      mk.algorithm,
		CurrentVersion: mk.current,
		VersionCount:   len(mk.versions),
		CreatedAt:      mk.createdAt,
		RotatedAt:      mk.rotatedAt,
	}, nil
}

func (s *KeyService) lookup(id string) (*managedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mk, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return mk, nil
}

func randomKey() ([]byte, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("hsm: key generation: %w", err)
	}
	return material, nil
}

func newGCM(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("hsm: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("hsm: gcm init: %w", err)
	}
	return gcm, nil
}
