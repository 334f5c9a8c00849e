package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Window(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s2"), "keys are independent")

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow("s1"))
}

func TestRateLimiter_ForgetAndDisabled(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
	rl.Forget("s1")
	assert.True(t, rl.Allow("s1"))

	var off *RateLimiter
	assert.True(t, off.Allow("x"))
	assert.True(t, NewRateLimiter(0, time.Second).Allow("x"))
}
