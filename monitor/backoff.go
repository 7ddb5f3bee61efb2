package monitor

import "time"

// backoff tracks the offline retry delay. Each consecutive failure doubles the
// delay up to max; once the retry ceiling is reached the counter stops growing
// and polling continues at max.
type backoff struct {
	base, max time.Duration
	ceiling   int

	retries int
	delay   time.Duration
}

func newBackoff(base, max time.Duration, ceiling int) *backoff {
	return &backoff{base: base, max: max, ceiling: ceiling, delay: base}
}

// fail records a failed probe and returns the delay before the next attempt.
func (b *backoff) fail() time.Duration {
	if b.retries >= b.ceiling {
		b.delay = b.max
		return b.delay
	}
	b.retries++
	d := b.base
	for i := 1; i < b.retries && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.delay = d
	return d
}

func (b *backoff) reset() {
	b.retries = 0
	b.delay = b.base
}
