package realtime

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func delays(b backoff.BackOff, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func TestBuiltinBackOffIsLinearAndBounded(t *testing.T) {
	b := newBuiltinBackOff()

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		4 * time.Second,
		5 * time.Second,
		backoff.Stop,
	}, delays(b, 6))

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestLinearBackOffCapsDelay(t *testing.T) {
	b := newLinearBackOff(time.Second, 3*time.Second, 5)

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		3 * time.Second,
		3 * time.Second,
		backoff.Stop,
	}, delays(b, 6))
}

func TestManualBackOffIsExponentialAndBounded(t *testing.T) {
	b := newManualBackOff(ManualReconnectDelay, ManualReconnectDelayMax, ManualReconnectAttempts)

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
		backoff.Stop,
	}, delays(b, 6))

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}
