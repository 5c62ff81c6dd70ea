package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayNoJitter(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(20))
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: true}

	for i := 0; i < 200; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 6*time.Second)
	}
	for i := 0; i < 50; i++ {
		assert.GreaterOrEqual(t, p.Delay(0), time.Second)
		assert.LessOrEqual(t, p.Delay(10), 30*time.Second)
	}
}

func TestSleepWakesEarly(t *testing.T) {
	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	assert.False(t, sleep(context.Background(), wake, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, nil, time.Hour))

	assert.True(t, sleep(context.Background(), nil, time.Millisecond))
}
