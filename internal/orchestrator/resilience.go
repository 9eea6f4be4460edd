package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/errors"
	"github.com/aristath/swarm/internal/logging"
)

// CircuitBreakerRegistry manages one circuit breaker per loop operation.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      config.RetryConfig
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a registry whose breakers trip after
// cfg.BreakerMaxFailures consecutive failures and stay open for
// cfg.BreakerTimeout.
func NewCircuitBreakerRegistry(cfg config.RetryConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logging.OrDiscard(logger),
	}
}

// Get returns the circuit breaker for the named operation, creating it on
// first use.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	trip := r.cfg.BreakerMaxFailures
	if trip == 0 {
		trip = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // A single probe in half-open state
		Timeout:     r.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Only infrastructure failures count against the breaker.
			return err == nil || !errors.IsRetryable(err)
		},
	})

	r.breakers[name] = cb
	return cb
}

// withRetry runs op through cb, retrying retryable errors with exponential
// backoff. Usage errors, an open breaker and context cancellation end the
// retries at once.
func withRetry(ctx context.Context, cb *gobreaker.CircuitBreaker, cfg config.RetryConfig, op func(context.Context) error) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, op(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil || !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	policy.MaxElapsedTime = cfg.MaxElapsedTime

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
