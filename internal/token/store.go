package token

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and degraded single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	byValue map[string]*Record
	byHash  map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byValue: make(map[string]*Record),
		byHash:  make(map[string]*Record),
	}
}

func (s *MemoryStore) Insert(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byValue[rec.Value]; exists {
		return fmt.Errorf("token value collision: %s", rec.ID)
	}
	cp := *rec
	s.byValue[rec.Value] = &cp
	s.byHash[rec.PANHash] = &cp
	return nil
}

func (s *MemoryStore) FindByPANHash(hash string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byHash[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) FindByValue(value string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byValue[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Deactivate(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byValue[value]
	if !ok {
		return ErrTokenNotFound
	}
	rec.Active = false
	return nil
}

// PostgresStore persists token records in the card_tokens table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(rec *Record) error {
	_, err := s.db.Exec(`
		INSERT INTO card_tokens
			(id, token, pan_hash, encrypted_pan, nonce, key_version,
			 brand, last_four, active, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.Value, rec.PANHash, rec.EncryptedPAN, rec.Nonce,
		rec.KeyVersion, string(rec.Brand), rec.LastFour, rec.Active,
		rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert card_token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByPANHash(hash string) (*Record, error) {
	return s.scanOne(`SELECT id, token, pan_hash, encrypted_pan, nonce,
		key_version, brand, last_four, active, created_at, expires_at
		FROM card_tokens WHERE pan_hash = $1 AND active ORDER BY created_at DESC LIMIT 1`, hash)
}

func (s *PostgresStore) FindByValue(value string) (*Record, error) {
	return s.scanOne(`SELECT id, token, pan_hash, encrypted_pan, nonce,
		key_version, brand, last_four, active, created_at, expires_at
		FROM card_tokens WHERE token = $1`, value)
}

func (s *PostgresStore) Deactivate(value string) error {
	res, err := s.db.Exec(`UPDATE card_tokens SET active = FALSE WHERE token = $1`, value)
	if err != nil {
		return fmt.Errorf("deactivate card_token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *PostgresStore) scanOne(query string, arg interface{}) (*Record, error) {
	var rec Record
	var brand string
	var createdAt, expiresAt time.Time
	err := s.db.QueryRow(query, arg).Scan(
		&rec.ID, &rec.Value, &rec.PANHash, &rec.EncryptedPAN, &rec.Nonce,
		&rec.KeyVersion, &brand, &rec.LastFour, &rec.Active, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query card_token: %w", err)
	}
	rec.Brand = Brand(brand)
	rec.CreatedAt = createdAt
	rec.ExpiresAt = expiresAt
	return &rec, nil
}
