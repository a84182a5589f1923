// Package webhooks delivers payment events to merchant endpoints with HMAC
// signatures and scheduled retries. Deliveries are persisted so a restart
// never loses a pending notification.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/acquira/gateway/internal/events"
	"github.com/acquira/gateway/internal/ids"
)

// Endpoint is a merchant-registered webhook destination.
type Endpoint struct {
	ID         string        `json:"id"`
	MerchantID string        `json:"merchant_id"`
	URL        string        `json:"url"`
	Secret     string        `json:"-"`
	Events     []events.Type `json:"events"`
	Active     bool          `json:"active"`
	CreatedAt  time.Time     `json:"created_at"`
	FailCount  int           `json:"fail_count"`
}

func (e *Endpoint) subscribedTo(t events.Type) bool {
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// disableAfterFailures stops delivery to endpoints that never accept.
const disableAfterFailures = 10

// Registry stores endpoint registrations.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		logger:    log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Register validates and stores an endpoint, assigning an id when absent.
func (r *Registry) Register(ep *Endpoint) error {
	if ep.URL == "" {
		return fmt.Errorf("webhooks: endpoint URL is required")
	}
	if ep.MerchantID == "" {
		return fmt.Errorf("webhooks: merchant_id is required")
	}
	if ep.Secret == "" {
		return fmt.Errorf("webhooks: signing secret is required")
	}
	if len(ep.Events) == 0 {
		return fmt.Errorf("webhooks: at least one event type is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ep.ID == "" {
		ep.ID = ids.New("wh_")
	}
	ep.Active = true
	ep.CreatedAt = time.Now().UTC()
	ep.FailCount = 0
	r.endpoints[ep.ID] = ep

	r.logger.Printf("registered endpoint %s -> %s (events: %v)", ep.ID, ep.URL, ep.Events)
	return nil
}

// Unregister removes an endpoint.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[id]; !ok {
		return fmt.Errorf("webhooks: endpoint %s not found", id)
	}
	delete(r.endpoints, id)
	return nil
}

// Matching returns active endpoints for a merchant subscribed to an event
// type. An empty merchant id on the endpoint means all merchants (internal
// monitoring hooks).
func (r *Registry) Matching(merchantID string, t events.Type) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range r.endpoints {
		if !ep.Active || !ep.subscribedTo(t) {
			continue
		}
		if ep.MerchantID != "" && ep.MerchantID != merchantID {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// Get returns one endpoint by id.
func (r *Registry) Get(id string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// ListAll returns every registered endpoint.
func (r *Registry) ListAll() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}

// MarkFailed bumps the failure count and disables the endpoint past the cap.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return
	}
	ep.FailCount++
	if ep.FailCount >= disableAfterFailures {
		ep.Active = false
		r.logger.Printf("endpoint %s disabled after %d failures", id, ep.FailCount)
	}
}

// MarkDelivered resets the failure count after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		ep.FailCount = 0
	}
}

// SignPayload computes the base64 HMAC-SHA256 signature merchants verify
// against the X-Webhook-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}
