package fraud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/acquira/gateway/internal/infra"
)

// Velocity limits per sliding window.
const (
	CardLimitPerHour    = 10
	IPLimitPerHour      = 20
	MerchantLimitPerMin = 100
)

// VelocityLimiter counts attempts per key in the shared store using a
// two-bucket sliding window: the previous fixed bucket is weighted by its
// overlap with the window, which avoids the over-counting a naive
// increment-with-TTL scheme suffers under dropped expirations.
type VelocityLimiter struct {
	kv  infra.KV
	now func() time.Time
}

func NewVelocityLimiter(kv infra.KV) *VelocityLimiter {
	return &VelocityLimiter{kv: kv, now: time.Now}
}

// Allow records one attempt for (scope, id) and reports whether the sliding
// count stays within limit.
func (v *VelocityLimiter) Allow(ctx context.Context, scope, id string, limit int, window time.Duration) (bool, error) {
	now := v.now()
	bucket := now.Truncate(window)
	prevBucket := bucket.Add(-window)

	curKey := velocityKey(scope, id, bucket)
	// Buckets expire two windows out so the previous bucket stays readable.
	cur, err := v.kv.IncrWithTTL(ctx, curKey, 2*window)
	if err != nil {
		return false, fmt.Errorf("fraud: velocity incr: %w", err)
	}

	prev := int64(0)
	if raw, err := v.kv.Get(ctx, velocityKey(scope, id, prevBucket)); err == nil {
		prev, _ = strconv.ParseInt(raw, 10, 64)
	} else if !errors.Is(err, infra.ErrNotFound) {
		return false, fmt.Errorf("fraud: velocity read: %w", err)
	}

	// Weight the previous bucket by how much of it the sliding window covers.
	elapsed := now.Sub(bucket)
	overlap := 1.0 - float64(elapsed)/float64(window)
	count := float64(cur) + float64(prev)*overlap

	return count <= float64(limit), nil
}

func velocityKey(scope, id string, bucket time.Time) string {
	return fmt.Sprintf("fraud:vel:%s:%s:%d", scope, id, bucket.Unix())
}
