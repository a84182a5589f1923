// Package token implements format-preserving card tokenization.
//
// A token has the same length as the PAN it replaces, starts with '9', keeps
// the last four digits, and deliberately fails the Luhn checksum so it can
// never collide with a real card number. The PAN and expiry are sealed
// through the HSM with the token bound in as AAD; only the SHA-256 hash of
// the PAN is kept in clear for dedup lookup.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/acquira/gateway/internal/hsm"
	"github.com/acquira/gateway/internal/ids"
)

const (
	// KeyID is the HSM key under which all PANs are sealed.
	KeyID = "card-tokenization"

	// maxGenerationAttempts bounds token collision retries. With len-5 random
	// digits the collision probability per attempt is negligible; hitting the
	// bound indicates a broken RNG rather than bad luck.
	maxGenerationAttempts = 10

	defaultTokenTTL = 3 * 365 * 24 * time.Hour
)

var (
	ErrTokenNotFound  = errors.New("token: not found")
	ErrTokenMalformed = errors.New("token: malformed")
	ErrTokenExpired   = errors.New("token: expired")
	ErrTokenInactive  = errors.New("token: inactive")
	ErrGeneration     = errors.New("token: could not generate unique token")
)

// Record is the stored representation of a tokenized card.
// The PAN appears only in encrypted form.
type Record struct {
	ID           string
	Value        string
	PANHash      string
	EncryptedPAN []byte
	Nonce        []byte
	KeyVersion   int
	Brand        Brand
	LastFour     string
	Active       bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Store persists token records. Implementations must treat Value as unique.
type Store interface {
	Insert(rec *Record) error
	FindByPANHash(hash string) (*Record, error)
	FindByValue(value string) (*Record, error)
	Deactivate(value string) error
}

// Vault performs tokenize/detokenize against a Store and the HSM.
type Vault struct {
	store Store
	keys  *hsm.KeyService
	now   func() time.Time
}

// NewVault creates a vault. The HSM key is generated on first use if absent.
func NewVault(store Store, keys *hsm.KeyService) (*Vault, error) {
	if err := keys.GenerateKey(KeyID, hsm.AlgorithmAESGCM); err != nil && !errors.Is(err, hsm.ErrKeyExists) {
		return nil, fmt.Errorf("token: provision hsm key: %w", err)
	}
	return &Vault{store: store, keys: keys, now: time.Now}, nil
}

// Tokenize validates the card, reuses any live token for the same PAN, and
// otherwise mints a fresh format-preserving token. The CVV is validated for
// shape only and never stored.
func (v *Vault) Tokenize(pan string, expMonth, expYear int, cvv string) (*Record, error) {
	if err := ValidatePAN(pan); err != nil {
		return nil, err
	}
	if err := ValidateExpiry(expMonth, expYear, v.now()); err != nil {
		return nil, err
	}
	if l := len(cvv); l < 3 || l > 4 {
		return nil, fmt.Errorf("%w: bad cvv length", ErrInvalidPAN)
	}

	panHash := hashPAN(pan)
	if existing, err := v.store.FindByPANHash(panHash); err == nil &&
		existing.Active && v.now().Before(existing.ExpiresAt) {
		return existing, nil
	}

	value, err := v.generateValue(pan)
	if err != nil {
		return nil, err
	}

	plaintext := fmt.Sprintf("%s|%d|%d", pan, expMonth, expYear)
	ciphertext, nonce, version, err := v.keys.Encrypt(KeyID, []byte(plaintext), []byte(value))
	if err != nil {
		return nil, fmt.Errorf("token: seal pan: %w", err)
	}

	rec := &Record{
		ID:           ids.Token(),
		Value:        value,
		PANHash:      panHash,
		EncryptedPAN: ciphertext,
		Nonce:        nonce,
		KeyVersion:   version,
		Brand:        DetectBrand(pan),
		LastFour:     pan[len(pan)-4:],
		Active:       true,
		CreatedAt:    v.now().UTC(),
		ExpiresAt:    v.now().UTC().Add(defaultTokenTTL),
	}
	if err := v.store.Insert(rec); err != nil {
		return nil, fmt.Errorf("token: store: %w", err)
	}
	return rec, nil
}

// Detokenize recovers the PAN and expiry for a live token. Every rejection is
// logged for the audit trail before returning a typed error.
func (v *Vault) Detokenize(value string) (pan string, expMonth, expYear int, err error) {
	rec, err := v.lookupLive(value, "detokenize")
	if err != nil {
		return "", 0, 0, err
	}

	plaintext, err := v.keys.Decrypt(KeyID, rec.EncryptedPAN, rec.Nonce, []byte(value), rec.KeyVersion)
	if err != nil {
		slog.Warn("detokenize rejected", "reason", "decrypt_failed", "token_id", rec.ID)
		return "", 0, 0, fmt.Errorf("token: unseal: %w", err)
	}

	parts := strings.SplitN(string(plaintext), "|", 3)
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("token: corrupt sealed payload")
	}
	expMonth, _ = strconv.Atoi(parts[1])
	expYear, _ = strconv.Atoi(parts[2])
	return parts[0], expMonth, expYear, nil
}

// ValidateToken reports whether value refers to a live, unexpired token.
func (v *Vault) ValidateToken(value string) bool {
	_, err := v.lookupLive(value, "validate")
	return err == nil
}

// RevokeToken deactivates a token. Revoking an unknown token is an error;
// revoking an already-inactive token is not.
func (v *Vault) RevokeToken(value string) error {
	if _, err := v.store.FindByValue(value); err != nil {
		return ErrTokenNotFound
	}
	return v.store.Deactivate(value)
}

func (v *Vault) lookupLive(value, op string) (*Record, error) {
	if value == "" || len(value) < 13 || len(value) > 19 || value[0] != '9' {
		slog.Warn("token lookup rejected", "op", op, "reason", "malformed")
		return nil, ErrTokenMalformed
	}
	rec, err := v.store.FindByValue(value)
	if err != nil {
		slog.Warn("token lookup rejected", "op", op, "reason", "not_found")
		return nil, ErrTokenNotFound
	}
	if !rec.Active {
		slog.Warn("token lookup rejected", "op", op, "reason", "inactive", "token_id", rec.ID)
		return nil, ErrTokenInactive
	}
	if !v.now().Before(rec.ExpiresAt) {
		slog.Warn("token lookup rejected", "op", op, "reason", "expired", "token_id", rec.ID)
		return nil, ErrTokenExpired
	}
	return rec, nil
}

// generateValue mints '9' + random digits + last four, same length as the
// PAN, never Luhn-valid, unique in the store. Bounded retries.
func (v *Vault) generateValue(pan string) (string, error) {
	lastFour := pan[len(pan)-4:]
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		middle, err := randomDigits(len(pan) - 5)
		if err != nil {
			return "", err
		}
		candidate := "9" + middle + lastFour
		if LuhnValid(candidate) {
			// Breaking the checksum by bumping one middle digit would bias
			// the distribution; a fresh draw is cheap.
			continue
		}
		if _, err := v.store.FindByValue(candidate); err == nil {
			continue
		}
		return candidate, nil
	}
	return "", ErrGeneration
}

func hashPAN(pan string) string {
	sum := sha256.Sum256([]byte(pan))
	return hex.EncodeToString(sum[:])
}

func randomDigits(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: rng: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = '0' + b%10
	}
	return string(out), nil
}
