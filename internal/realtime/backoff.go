package realtime

import "time"

// nextDelay computes the reconnect delay for the given zero-based attempt:
// base × factor^attempt, capped at ceiling. Delays are non-decreasing up to
// the ceiling.
func nextDelay(base, ceiling time.Duration, factor float64, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	if factor < 1 {
		factor = 1.7
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if d >= float64(ceiling) {
			return ceiling
		}
	}
	if d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}
