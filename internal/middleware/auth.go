// Package middleware holds the HTTP middleware chain for the merchant API:
// API-key authentication, per-merchant rate limiting and request-ID
// propagation.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const merchantKey contextKey = "merchant_id"

// Authenticator verifies merchant API keys against bcrypt hashes. Keys are
// presented as "X-Api-Key: <merchant_id>.<secret>" or as a Bearer token with
// the same shape.
type Authenticator struct {
	mu     sync.RWMutex
	hashes map[string][]byte // merchant id -> bcrypt hash of the secret
}

func NewAuthenticator() *Authenticator {
	return &Authenticator{hashes: make(map[string][]byte)}
}

// RegisterKey stores the bcrypt hash for a merchant's secret.
func (a *Authenticator) RegisterKey(merchantID, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.hashes[merchantID] = hash
	a.mu.Unlock()
	return nil
}

// Verify checks a presented secret for a merchant.
func (a *Authenticator) Verify(merchantID, secret string) bool {
	a.mu.RLock()
	hash, ok := a.hashes[merchantID]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

// Middleware rejects unauthenticated requests with 401 and stashes the
// merchant id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				key = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		merchantID, secret, ok := strings.Cut(key, ".")
		if !ok || !a.Verify(merchantID, secret) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"UNAUTHENTICATED","message":"invalid API key"}}`))
			return
		}
		ctx := context.WithValue(r.Context(), merchantKey, merchantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MerchantID returns the authenticated merchant from the request context.
func MerchantID(ctx context.Context) string {
	id, _ := ctx.Value(merchantKey).(string)
	return id
}

// WithMerchant injects a merchant id, for handler tests that bypass auth.
func WithMerchant(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, merchantKey, merchantID)
}
