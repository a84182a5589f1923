package degrade

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthTracking_DegradesAfterConsecutiveFailures(t *testing.T) {
	c := NewController()
	assert.True(t, c.Healthy(DepFraudScorer))

	c.ReportFailure(DepFraudScorer, "timeout")
	c.ReportFailure(DepFraudScorer, "timeout")
	assert.True(t, c.Healthy(DepFraudScorer), "two failures are not enough")

	c.ReportFailure(DepFraudScorer, "timeout")
	assert.False(t, c.Healthy(DepFraudScorer))

	status := c.Status()
	assert.Equal(t, "timeout", status[DepFraudScorer].Reason)
	assert.False(t, status[DepFraudScorer].Since.IsZero())

	c.ReportSuccess(DepFraudScorer)
	assert.True(t, c.Healthy(DepFraudScorer))
}

func TestMode_Thresholds(t *testing.T) {
	c := NewController()
	assert.Equal(t, ModeNormal, c.Mode())

	c.MarkDegraded(DepFraudScorer, "down")
	assert.Equal(t, ModeDegraded, c.Mode())

	c.MarkDegraded(DepThreeDS, "down")
	assert.Equal(t, ModeDegraded, c.Mode())

	c.MarkDegraded(DepCache, "down")
	assert.Equal(t, ModeSeverelyDegraded, c.Mode(), "more than two impaired is severe")
}

func TestCacheFallback_ReadsThroughOnCacheError(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	cacheErr := errors.New("connection refused")
	val, err := c.CacheFallback(ctx, "k",
		func(ctx context.Context, key string) (string, error) { return "", cacheErr },
		func(ctx context.Context, key string) (string, error) { return "from-db", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "from-db", val)
}

func TestCacheFallback_SkipsDegradedCache(t *testing.T) {
	c := NewController()
	c.MarkDegraded(DepCache, "down")
	ctx := context.Background()

	cacheCalls := 0
	val, err := c.CacheFallback(ctx, "k",
		func(ctx context.Context, key string) (string, error) { cacheCalls++; return "from-cache", nil },
		func(ctx context.Context, key string) (string, error) { return "from-db", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "from-db", val)
	assert.Zero(t, cacheCalls, "degraded cache must not be consulted")
}

func TestEventBuffer_DropOldestOnOverflow(t *testing.T) {
	b := NewEventBuffer(3)
	for i := 0; i < 5; i++ {
		b.Push(BufferedEvent{Key: fmt.Sprintf("k%d", i)})
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 2, b.Dropped())
	oldest, ok := b.Peek()
	require.True(t, ok)
	assert.Equal(t, "k2", oldest.Key)
}

func TestDrainBuffered_StopsAtFirstFailurePreservingOrder(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c.BufferForEventBus("payment-events", fmt.Sprintf("pay_%d", i), []byte("payload"))
	}

	var published []string
	drained, err := c.DrainBuffered(ctx, func(ctx context.Context, ev BufferedEvent) error {
		if len(published) == 2 {
			return errors.New("bus still down")
		}
		published = append(published, ev.Key)
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 2, drained)
	assert.Equal(t, []string{"pay_0", "pay_1"}, published)
	assert.Equal(t, 2, c.BufferedCount(), "undrained events stay buffered in order")

	drained, err = c.DrainBuffered(ctx, func(ctx context.Context, ev BufferedEvent) error {
		published = append(published, ev.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, drained)
	assert.Equal(t, []string{"pay_0", "pay_1", "pay_2", "pay_3"}, published)
}
