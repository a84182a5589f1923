// Package ids generates prefixed opaque identifiers: a short type prefix
// followed by 24 base62 characters drawn from crypto/rand.
package ids

import (
	"crypto/rand"
	"fmt"
)

const (
	alphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	suffixLen = 24
)

// New returns prefix + 24 random base62 characters, e.g. New("pay_").
func New(prefix string) string {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		// The CSPRNG failing means nothing downstream is safe either.
		panic(fmt.Sprintf("ids: rng: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return prefix + string(buf)
}

// Payment returns a payment id (pay_...).
func Payment() string { return New("pay_") }

// Event returns an event id (evt_...).
func Event() string { return New("evt_") }

// Refund returns a refund id (ref_...).
func Refund() string { return New("ref_") }

// Token returns a token record id (tok_...).
func Token() string { return New("tok_") }

// Delivery returns a webhook delivery id (whd_...).
func Delivery() string { return New("whd_") }
