package queue

import "time"

// RetryPolicy bounds the number of attempts of a job and spaces them with
// exponential backoff: Backoff, 2*Backoff, 4*Backoff, ...
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
}

// ShouldRetry reports whether a job that just failed its attempt-th try gets another one.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay is the wait before the attempt following the attempt-th.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Backoff << (attempt - 1)
}
