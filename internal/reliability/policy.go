package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Policy is the retry schedule applied to transient generation failures.
type Policy struct {
	// MaxAttempts counts the first try; 3 means one try plus two retries.
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: 200 * time.Millisecond, Cap: 5 * time.Second}
}

// Backoff computes the deterministic capped delay before retry attempt.
// attempt is 1-based: Backoff(1) is the delay before the first retry.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Base
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	return d
}
