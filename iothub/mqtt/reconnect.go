// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/iotdevice/pkg/errors"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker gating reconnect attempts.
type BreakerSettings struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Reconnector restores a binding after connection losses. It consumes the
// binding's events and forwards all of them, so applications read from the
// channel returned by Run instead of Binding.Events.
type Reconnector struct {
	binding *Binding
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewReconnector returns a reconnector for b. A nil policy never reconnects.
func NewReconnector(b *Binding, policy RetryPolicy, bs BreakerSettings, logger *slog.Logger) *Reconnector {
	if policy == nil {
		policy = NoRetry{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bs.FailureThreshold == 0 {
		bs.FailureThreshold = 5
	}
	if bs.ResetTimeout <= 0 {
		bs.ResetTimeout = 30 * time.Second
	}
	r := &Reconnector{binding: b, policy: policy, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "iothub-reconnect",
		MaxRequests: 1,
		Timeout:     bs.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("reconnect circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return r
}

// Run forwards events until the binding is closed or ctx ends, reconnecting
// after each ConnectionLost the reconnector's own policy allows. The decision
// attached to the event is left to applications that reconnect themselves.
func (r *Reconnector) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, cap(r.binding.Events()))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.binding.Events():
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Kind == ConnectionLost {
					if err := r.reconnect(ctx, r.policy.RetryDecision(0, ev.Err)); err != nil {
						r.logger.Error("giving up reconnecting to hub", slog.Any("error", err))
					}
				}
			}
		}
	}()
	return out
}

func (r *Reconnector) reconnect(ctx context.Context, decision RetryDecision) error {
	var lastErr error
	for attempt := 1; decision.ShouldRetry; attempt++ {
		timer := time.NewTimer(decision.Duration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, r.binding.Connect(ctx)
		})
		if err == nil {
			if err := r.binding.Resubscribe(ctx); err != nil {
				r.logger.Warn("failed to restore subscriptions", slog.Any("error", err))
			}
			return nil
		}

		// Connect failures and an open breaker are both worth another try.
		lastErr = errors.Transient(errors.ErrConnection, "reconnect", "", err)
		r.logger.Warn("reconnect attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
		decision = r.policy.RetryDecision(attempt, lastErr)
	}
	return lastErr
}
