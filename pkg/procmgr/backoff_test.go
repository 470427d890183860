package procmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitter(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, base, Jitter(base, 0))

	for i := 0; i < 100; i++ {
		d := Jitter(base, 0.25)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: -1, min: 75 * time.Millisecond, max: 125 * time.Millisecond},
		{attempt: 0, min: 75 * time.Millisecond, max: 125 * time.Millisecond},
		{attempt: 1, min: 150 * time.Millisecond, max: 250 * time.Millisecond},
		{attempt: 3, min: 600 * time.Millisecond, max: 1000 * time.Millisecond},
		{attempt: 20, min: 750 * time.Millisecond, max: 1250 * time.Millisecond},
	}

	for _, tt := range tests {
		d := ExponentialBackoff(tt.attempt, 100*time.Millisecond, time.Second)
		assert.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
		assert.LessOrEqual(t, d, tt.max, "attempt %d", tt.attempt)
	}
}
