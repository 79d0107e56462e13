package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/appforge/internal/agent"
)

// RetryConfig configures exponential backoff for recoverable agent errors.
type RetryConfig struct {
	MaxAttempts         int           // Total attempts including the first (default 3)
	InitialInterval     time.Duration // Initial retry interval (default 500ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig configures the per-agent-kind circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Failures that open the circuit (default 5)
	OpenTimeout         time.Duration // Time before a half-open trial request (default 30s)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// CircuitBreakerRegistry manages one circuit breaker per agent kind, shared by
// every run in the process.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	logger   *slog.Logger
	breakers map[agent.Kind]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[agent.Kind]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for kind, creating it on first use.
func (r *CircuitBreakerRegistry) Get(kind agent.Kind) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[kind]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(kind),
		MaxRequests: 1, // One trial request in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "agent_kind", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Only recoverable errors count as provider failures.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return agent.IsFatal(err)
		},
	})

	r.breakers[kind] = cb
	return cb
}

// State reports the breaker state for kind without creating one.
func (r *CircuitBreakerRegistry) State(kind agent.Kind) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[kind]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// retryNotice describes a failed attempt that will be retried.
type retryNotice struct {
	Attempt int
	Err     error
	Wait    time.Duration
}

// generateWithRetry runs one task through the capability with a per-attempt
// timeout, exponential backoff for recoverable errors and circuit breaker
// protection. The returned error is always classified: exhausting the attempt
// budget turns the last recoverable error into a fatal one.
func generateWithRetry(
	ctx context.Context,
	c agent.Capability,
	req agent.Request,
	cb *gobreaker.CircuitBreaker,
	retryCfg RetryConfig,
	timeout time.Duration,
	onRetry func(retryNotice),
) (agent.Result, error) {
	var result agent.Result
	attempts := 0

	operation := func() error {
		// Check context first - fail fast if cancelled
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := cb.Execute(func() (interface{}, error) {
			return generateAttempt(attemptCtx, c, req)
		})
		if err == nil {
			result = out.(agent.Result)
			return nil
		}

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(agent.Fatal(fmt.Errorf("%s agent unavailable: %w", req.Kind, err)))
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case agent.IsFatal(err):
			return backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = agent.Recoverable(fmt.Errorf("attempt timed out after %s: %w", timeout, err))
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = 0 // Bounded by attempts, not wall time
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	maxRetries := uint64(max(retryCfg.MaxAttempts, 1) - 1)
	withRetries := backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx)

	err := backoff.RetryNotify(operation, withRetries, func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(retryNotice{Attempt: attempts, Err: err, Wait: wait})
		}
	})
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return agent.Result{}, ctxErr
	}
	if !agent.IsFatal(err) {
		err = agent.Fatal(fmt.Errorf("giving up after %d attempts: %w", attempts, err))
	}
	return agent.Result{}, err
}

// generateAttempt returns when the capability does or when ctx is done,
// whichever comes first. A capability that ignores ctx keeps running in the
// background and its result is dropped.
func generateAttempt(ctx context.Context, c agent.Capability, req agent.Request) (agent.Result, error) {
	type outcome struct {
		res agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Generate(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	}
}
