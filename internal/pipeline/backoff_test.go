package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayBounds(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Cap: time.Hour}

	// Jitter is random, so sample; the delay must stay in [base*2^(n-1),
	// base*2^(n-1)+base).
	for attempt := 1; attempt <= 5; attempt++ {
		floor := time.Second << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, floor, "attempt %d", attempt)
			assert.Less(t, d, floor+time.Second, "attempt %d", attempt)
		}
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Cap: 4 * time.Second}
	for i := 0; i < 50; i++ {
		assert.Equal(t, 4*time.Second, p.Delay(10))
	}
}

func TestBackoffDelayDefaultsAndClamp(t *testing.T) {
	var p BackoffPolicy // zero value falls back to 30s/30m
	d := p.Delay(0)
	assert.GreaterOrEqual(t, d, 30*time.Second)
	assert.Less(t, d, time.Minute)
}
