// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"math/rand/v2"
	"time"

	"github.com/absmach/iotdevice/pkg/errors"
)

// RetryDecision tells the caller whether, and after how long, to reconnect.
type RetryDecision struct {
	ShouldRetry bool
	Duration    time.Duration
}

// RetryPolicy decides what to do after attempt failed reconnects. Attempt 0
// is the first decision after the link dropped.
type RetryPolicy interface {
	RetryDecision(attempt int, err error) RetryDecision
}

// NoRetry never reconnects.
type NoRetry struct{}

func (NoRetry) RetryDecision(int, error) RetryDecision { return RetryDecision{} }

// ExponentialBackoff doubles the delay per attempt, up to Max, spreading it
// by up to Jitter of itself. Only retryable errors are retried.
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Base:        time.Second,
		Max:         time.Minute,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

func (p ExponentialBackoff) RetryDecision(attempt int, err error) RetryDecision {
	if !errors.IsRetryable(err) {
		return RetryDecision{}
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return RetryDecision{}
	}

	d := p.Base
	for i := 0; i < attempt && (p.Max <= 0 || d < p.Max); i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 && d > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
		if d < 0 {
			d = 0
		}
	}
	return RetryDecision{ShouldRetry: true, Duration: d}
}
