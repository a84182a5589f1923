// Package degrade tracks the health of optional dependencies (fraud scorer,
// 3-DS ACS, cache, event bus) and coordinates fallback behavior when they
// fail. Capability packages consult the controller before external calls and
// report outcomes back; the controller decides when a dependency is degraded
// and when buffered work can drain.
package degrade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/acquira/gateway/internal/metrics"
)

// Dependency names the external collaborators under health tracking.
type Dependency string

const (
	DepFraudScorer Dependency = "fraud_scorer"
	DepThreeDS     Dependency = "three_ds"
	DepCache       Dependency = "cache"
	DepEventBus    Dependency = "event_bus"
)

// Mode is the gateway-wide degradation summary.
type Mode string

const (
	ModeNormal           Mode = "NORMAL"
	ModeDegraded         Mode = "DEGRADED"
	ModeSeverelyDegraded Mode = "SEVERELY_DEGRADED"
)

// severeThreshold: more than this many impaired dependencies is severe.
const severeThreshold = 2

// Health is the tracked state of one dependency.
type Health struct {
	Healthy bool      `json:"healthy"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since"`
}

// failuresToDegrade consecutive failures mark a dependency degraded;
// a single success restores it.
const failuresToDegrade = 3

// Controller is the process-scoped degradation state.
type Controller struct {
	mu       sync.RWMutex
	deps     map[Dependency]*depState
	buffer   *EventBuffer
	now      func() time.Time
}

type depState struct {
	health   Health
	failures int
}

// NewController starts with every dependency healthy and an empty buffer.
func NewController() *Controller {
	return &Controller{
		deps:   make(map[Dependency]*depState),
		buffer: NewEventBuffer(DefaultBufferCapacity),
		now:    time.Now,
	}
}

// ReportFailure records a dependency failure; enough consecutive failures
// flip it to degraded.
func (c *Controller) ReportFailure(dep Dependency, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(dep)
	st.failures++
	if st.health.Healthy && st.failures >= failuresToDegrade {
		st.health = Health{Healthy: false, Reason: reason, Since: c.now().UTC()}
		metrics.DependencyHealthy.WithLabelValues(string(dep)).Set(0)
		slog.Warn("dependency degraded", "dependency", string(dep), "reason", reason)
	}
}

// ReportSuccess restores a dependency to healthy.
func (c *Controller) ReportSuccess(dep Dependency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(dep)
	st.failures = 0
	if !st.health.Healthy {
		st.health = Health{Healthy: true, Since: c.now().UTC()}
		metrics.DependencyHealthy.WithLabelValues(string(dep)).Set(1)
		slog.Info("dependency recovered", "dependency", string(dep))
	}
}

// MarkDegraded forces a dependency into degraded state immediately, for use
// when a caller has definitive knowledge (connection refused at startup).
func (c *Controller) MarkDegraded(dep Dependency, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(dep)
	st.failures = failuresToDegrade
	st.health = Health{Healthy: false, Reason: reason, Since: c.now().UTC()}
	metrics.DependencyHealthy.WithLabelValues(string(dep)).Set(0)
}

// Healthy reports whether a dependency is currently usable.
func (c *Controller) Healthy(dep Dependency) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.deps[dep]
	if !ok {
		return true
	}
	return st.health.Healthy
}

// Status snapshots all tracked dependencies.
func (c *Controller) Status() map[Dependency]Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Dependency]Health, len(c.deps))
	for dep, st := range c.deps {
		out[dep] = st.health
	}
	return out
}

// Mode reports the top-level degradation mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	impaired := 0
	for _, st := range c.deps {
		if !st.health.Healthy {
			impaired++
		}
	}
	switch {
	case impaired == 0:
		return ModeNormal
	case impaired > severeThreshold:
		return ModeSeverelyDegraded
	default:
		return ModeDegraded
	}
}

// CacheFallback reads through to the database supplier when the cache is
// degraded or the cache read fails. Cache errors feed health tracking.
func (c *Controller) CacheFallback(ctx context.Context, key string,
	cacheGet func(ctx context.Context, key string) (string, error),
	dbGet func(ctx context.Context, key string) (string, error),
) (string, error) {
	if c.Healthy(DepCache) {
		val, err := cacheGet(ctx, key)
		if err == nil {
			c.ReportSuccess(DepCache)
			return val, nil
		}
		c.ReportFailure(DepCache, err.Error())
	}
	return dbGet(ctx, key)
}

// BufferForEventBus queues an event while the bus is down. Overflow drops
// the oldest entry.
func (c *Controller) BufferForEventBus(topic, key string, payload []byte) {
	c.buffer.Push(BufferedEvent{
		Topic:    topic,
		Key:      key,
		Payload:  payload,
		Buffered: c.now().UTC(),
	})
	metrics.BufferedEvents.Set(float64(c.buffer.Len()))
}

// DrainBuffered republishes buffered events through publish, stopping at the
// first failure so ordering is preserved for the remainder.
func (c *Controller) DrainBuffered(ctx context.Context, publish func(ctx context.Context, ev BufferedEvent) error) (drained int, err error) {
	defer func() { metrics.BufferedEvents.Set(float64(c.buffer.Len())) }()
	for {
		ev, ok := c.buffer.Peek()
		if !ok {
			return drained, nil
		}
		if err := publish(ctx, ev); err != nil {
			return drained, err
		}
		c.buffer.Pop()
		drained++
	}
}

// BufferedCount returns the number of buffered events.
func (c *Controller) BufferedCount() int {
	return c.buffer.Len()
}

// state returns the tracked entry, creating a healthy one. Callers hold c.mu.
func (c *Controller) state(dep Dependency) *depState {
	st, ok := c.deps[dep]
	if !ok {
		st = &depState{health: Health{Healthy: true, Since: c.now().UTC()}}
		c.deps[dep] = st
	}
	return st
}
