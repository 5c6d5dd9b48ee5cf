// Package circuitbreaker stops calling a failing generator for a while so
// resolutions fall back to the base message immediately instead of waiting
// on timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a breaker.
type Config struct {
	// Name identifies the breaker in logs and metrics (e.g. "resolver", "llm").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is how many probes are let through while half-open.
	HalfOpenMaxRequests uint32

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultConfig returns the production defaults for a named breaker.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// New builds a gobreaker circuit breaker for calls returning T.
// Cancellation by the caller is not counted against the downstream.
func New[T any](cfg Config, logger *zap.Logger) *gobreaker.CircuitBreaker[T] {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})
}

// isRejection reports whether err came from the breaker rather than the call
func isRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
