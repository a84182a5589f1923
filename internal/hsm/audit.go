package hsm

import (
	"sync"
	"time"
)

// Operation identifies the kind of key operation being audited.
type Operation string

const (
	OpGenerate Operation = "GENERATE"
	OpEncrypt  Operation = "ENCRYPT"
	OpDecrypt  Operation = "DECRYPT"
	OpRotate   Operation = "ROTATE"
)

// AuditEntry records one key operation. Entries carry the error text only —
// raw key material never appears in an entry.
type AuditEntry struct {
	Operation Operation `json:"operation"`
	KeyID     string    `json:"key_id"`
	Version   int       `json:"version"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditLog is an append-only in-memory trail of key operations.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (l *AuditLog) record(op Operation, keyID string, version int, err error) {
	entry := AuditEntry{
		Operation: op,
		KeyID:     keyID,
		Version:   version,
		Success:   err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of all entries in append order.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ForKey returns all entries recorded for the given key id.
func (l *AuditLog) ForKey(keyID string) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AuditEntry
	for _, e := range l.entries {
		if e.KeyID == keyID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded entries.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
