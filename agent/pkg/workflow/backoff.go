package workflow

import "time"

// maxRetryDelay caps the pause between execution attempts.
const maxRetryDelay = 16 * time.Second

// retryDelay computes the pause before the next execution attempt:
// min(2^retryCount, 16) seconds.
func retryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 4 {
		return maxRetryDelay
	}
	return time.Second << uint(retryCount)
}
