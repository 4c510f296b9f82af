package notification

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the optional circuit breaker in front of a sender.
type BreakerConfig struct {
	// MaxRequests allowed while half-open.
	MaxRequests uint32
	// Interval is the closed-state window after which counts are cleared.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultBreakerConfig trips after five consecutive failures or half of at
// least ten requests failing.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         2,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BreakerState is the breaker state reported by Channel.BreakerState.
type BreakerState string

const (
	BreakerDisabled BreakerState = "disabled"
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

func newBreaker(name string, cfg BreakerConfig, onChange func(from, to BreakerState)) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if counts.Requests < cfg.MinRequests || counts.Requests == 0 {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// a waiter that gave up says nothing about the sender
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(convertState(from), convertState(to))
			}
		},
	})
}

func convertState(state gobreaker.State) BreakerState {
	switch state {
	case gobreaker.StateClosed:
		return BreakerClosed
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerDisabled
	}
}
