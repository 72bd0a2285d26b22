package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Connection policy.
const (
	ConnectTimeout = 20 * time.Second

	// built-in tier, used after transport drops and failed connects
	ReconnectAttempts = 5
	ReconnectDelay    = time.Second
	ReconnectDelayMax = 5 * time.Second

	// manual tier, used only after a server-forced disconnect
	ManualReconnectAttempts = 5
	ManualReconnectDelay    = time.Second
	ManualReconnectFactor   = 2
	ManualReconnectDelayMax = 5 * time.Second
)

// Reconnect tiers reported to observers and logs.
const (
	TierBuiltin = "builtin"
	TierManual  = "manual"
)

// linearBackOff yields min(step*n, max) for the n-th attempt and Stop after
// maxAttempts.
type linearBackOff struct {
	step        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(step, max time.Duration, maxAttempts int) *linearBackOff {
	return &linearBackOff{step: step, max: max, maxAttempts: maxAttempts}
}

// NextBackOff implements backoff.BackOff
func (b *linearBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.maxAttempts {
		return backoff.Stop
	}
	b.attempt++

	d := b.step * time.Duration(b.attempt)
	if d > b.max {
		d = b.max
	}
	return d
}

// Reset implements backoff.BackOff
func (b *linearBackOff) Reset() {
	b.attempt = 0
}

func newBuiltinBackOff() backoff.BackOff {
	return newLinearBackOff(ReconnectDelay, ReconnectDelayMax, ReconnectAttempts)
}

func newManualBackOff(initial, max time.Duration, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = ManualReconnectFactor
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(attempts))
}
