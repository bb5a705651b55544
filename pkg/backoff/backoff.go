// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcaster", Subsystem: "backoff", Name: "retries_total",
		Help: "Retry attempts after a failed call",
	}, []string{"op"})

	giveUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcaster", Subsystem: "backoff", Name: "give_ups_total",
		Help: "Calls abandoned after retries or on a permanent error",
	}, []string{"op"})

	retryDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcaster", Subsystem: "backoff", Name: "retry_delay_seconds",
		Help:    "Delay before each retry (seconds)",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
	}, []string{"op"})
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config tunes the exponential schedule. Zero fields take defaults.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"` // 0..1
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`

	// MaxElapsedTime bounds the whole retry sequence. Zero means the
	// caller's context is the only bound.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`

	// PerAttemptTimeout bounds a single call. Zero disables it.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.RandomizationFactor > 1:
		return fmt.Errorf("randomization_factor %v outside [0,1]", c.RandomizationFactor)
	case c.Multiplier < 1:
		return fmt.Errorf("multiplier %v below 1", c.Multiplier)
	case c.MaxInterval < c.InitialInterval:
		return fmt.Errorf("max_interval %s below initial_interval %s", c.MaxInterval, c.InitialInterval)
	default:
		return nil
	}
}

func (c Config) schedule(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialInterval
	eb.RandomizationFactor = c.RandomizationFactor
	eb.Multiplier = c.Multiplier
	eb.MaxInterval = c.MaxInterval
	eb.MaxElapsedTime = c.MaxElapsedTime
	eb.Reset()
	return backoff.WithContext(eb, ctx)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrMaxRetries wraps the last error of a call that was abandoned.
type ErrMaxRetries struct {
	Op       string
	Err      error
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// -----------------------------------------------------------------------------
// Execute
// -----------------------------------------------------------------------------

// RetryableFunc is one attempt of a retried call.
type RetryableFunc func(ctx context.Context) error

// Execute calls fn until it succeeds, returns a Permanent error, the
// schedule runs out or ctx ends. op labels logs and metrics, e.g.
// "bitfinex.book".
func Execute(ctx context.Context, cfg Config, log *logger.Logger, op string, fn RetryableFunc) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("backoff: invalid config: %w", err)
	}

	attempts := 0
	attempt := func() error {
		attempts++
		if cfg.PerAttemptTimeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		defer cancel()
		return fn(actx)
	}
	onRetry := func(err error, delay time.Duration) {
		retries.WithLabelValues(op).Inc()
		retryDelay.WithLabelValues(op).Observe(delay.Seconds())
		log.WithContext(ctx).Debug("retrying",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(attempt, cfg.schedule(ctx), onRetry)
	if err == nil {
		return nil
	}
	giveUps.WithLabelValues(op).Inc()
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w (last error: %v)", ctxErr, err)
	}
	return &ErrMaxRetries{Op: op, Err: err, Attempts: attempts}
}
