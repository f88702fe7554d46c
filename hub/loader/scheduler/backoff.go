// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package scheduler

import "time"

// backoffFor returns the retry delay after the given number of consecutive
// failures: base doubling per failure, capped at max. Zero failures means
// no delay.
func backoffFor(failures int64, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := base
	for i := int64(1); i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
