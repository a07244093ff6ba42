package execution

import (
	"time"
)

// RetryPolicy bounds resubmission of orders that failed transiently
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy is used when no policy is configured
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 5, Base: 500 * time.Millisecond, Max: 30 * time.Second}

// RetryState is the retry bookkeeping carried by one order
type RetryState struct {
	Attempts  int       // retries already scheduled
	NextAt    time.Time // earliest resubmission time
	Pending   bool      // waiting for NextAt
	LastError string
}

// Backoff returns the delay before retry number attempt (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Schedule records a failure at now. It returns false once the budget is
// spent, leaving the state unchanged.
func (p RetryPolicy) Schedule(s RetryState, now time.Time, err error) (RetryState, bool) {
	if s.Attempts >= p.MaxRetries {
		return s, false
	}
	s.Attempts++
	s.NextAt = now.Add(p.Backoff(s.Attempts))
	s.Pending = true
	if err != nil {
		s.LastError = err.Error()
	}
	return s, true
}

// Due reports whether a pending retry may run at now
func (s RetryState) Due(now time.Time) bool {
	return s.Pending && !now.Before(s.NextAt)
}
