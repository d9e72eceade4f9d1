package webhook

import "time"

// retryOffsets are the documented retry delays, measured from the first
// failure of a delivery: three retries after the initial attempt.
var retryOffsets = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

// MaxAttempts is the initial attempt plus all scheduled retries.
const MaxAttempts = 4

// DisableThreshold is the number of consecutive terminally-failed event
// deliveries after which an endpoint is disabled.
const DisableThreshold = 3

// NextRetryAt returns when the delivery should be retried after its
// attemptsMade-th attempt failed. ok is false once the retry budget is
// exhausted.
func NextRetryAt(firstFailedAt time.Time, attemptsMade int) (time.Time, bool) {
	retryIndex := attemptsMade - 1
	if retryIndex < 0 || retryIndex >= len(retryOffsets) {
		return time.Time{}, false
	}
	return firstFailedAt.Add(retryOffsets[retryIndex]), true
}
