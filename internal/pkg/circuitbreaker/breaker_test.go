package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(threshold, cooldown, 1)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	assert.False(t, b.Allow())

	*now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial call while half-open")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerDisabled(t *testing.T) {
	b := NewBreaker(0, time.Minute, 1)
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.Allow())
	assert.Equal(t, "closed", b.State().String())
}
