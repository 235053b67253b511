package outbox

import "time"

const (
	// maxBackoff is the outer cap on the retry delay.
	maxBackoff = 300 * time.Second
	// maxShift clamps the exponent so the shift cannot overflow for
	// arbitrarily large attempt counts.
	maxShift = 8
)

// Backoff returns the delay before the next publish attempt for an
// entry that has already failed `attempts` times: 1s, 2s, 4s, ... 256s,
// then flat at 256s (never exceeding the 300s cap).
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	shift := attempts
	if shift > maxShift {
		shift = maxShift
	}
	d := time.Duration(1<<uint(shift)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
