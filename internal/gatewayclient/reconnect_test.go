package gatewayclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_NormalModeGrowsAndCaps(t *testing.T) {
	b := NewBackoff(50, time.Minute)

	d1 := b.Next()
	assert.GreaterOrEqual(t, d1, backoffNormalInitial)
	assert.Less(t, d1, 2*backoffNormalInitial)

	d2 := b.Next()
	assert.Greater(t, d2, d1/2) // roughly 1.5x, allowing for jitter

	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.LessOrEqual(t, d, 2*backoffNormalMax)
	}
}

func TestBackoff_SwitchesToProbeAfterMaxAttempts(t *testing.T) {
	b := NewBackoff(2, 10*time.Millisecond)

	b.Next() // attempt 1
	b.Next() // attempt 2, crosses maxAttempts -> probe mode

	assert.Equal(t, modeProbe, b.mode)
}

func TestBackoff_SuccessResetsToNormal(t *testing.T) {
	b := NewBackoff(1, time.Minute)
	b.Next()
	assert.Equal(t, modeProbe, b.mode)

	b.NoteSuccess()
	assert.Equal(t, modeNormal, b.mode)
	assert.Equal(t, 0, b.attempts)
}

func TestBackoff_PongTimeoutUsesFastPathOnce(t *testing.T) {
	b := NewBackoff(50, time.Minute)
	b.NotePongTimeout()

	d := b.Next()
	assert.Less(t, d, 2*time.Second, "fast path delay should be close to 1s, not the normal 3s start")

	// the next call should no longer use the fast path.
	d2 := b.Next()
	assert.GreaterOrEqual(t, d2, backoffNormalInitial)
}
