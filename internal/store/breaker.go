package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/util"
)

// Breaker defaults.
const (
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
)

// breakerStore wraps a Store with a circuit breaker so a dead backend
// fails fast instead of holding every request for the full dial
// timeout. An open circuit surfaces as an infrastructure fault;
// ErrNotFound passes through untouched and never trips the breaker.
type breakerStore struct {
	inner  Store
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// BreakerConfig contains circuit breaker settings.
type BreakerConfig struct {
	Name      string        `yaml:"name"`
	Threshold int           `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner Store, cfg BreakerConfig, logger observability.Logger) Store {
	if logger == nil {
		logger = observability.NopLogger()
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "store"
	}

	s := &breakerStore{inner: inner, logger: logger}

	thresholdU32 := uint32(threshold) //nolint:gosec // bounded by config validation

	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: thresholdU32,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return s
}

// execute runs fn through the breaker, translating breaker rejections
// into the circuit-open fault.
func (s *breakerStore) execute(fn func() (any, error)) (any, error) {
	result, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, util.NewStoreError(s.cb.Name(), "execute", util.ErrCircuitOpen)
	}
	return result, err
}

// Get fetches a document through the breaker.
func (s *breakerStore) Get(ctx context.Context, collection, key string) (Document, error) {
	result, err := s.execute(func() (any, error) {
		doc, err := s.inner.Get(ctx, collection, key)
		if IsNotFound(err) {
			// Absence is a successful round trip.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return result.(Document), nil
}

// Set writes a document through the breaker.
func (s *breakerStore) Set(ctx context.Context, collection, key string, doc Document, ttl time.Duration) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.inner.Set(ctx, collection, key, doc, ttl)
	})
	return err
}

// Delete removes a document through the breaker.
func (s *breakerStore) Delete(ctx context.Context, collection, key string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.inner.Delete(ctx, collection, key)
	})
	return err
}

// Ping checks connectivity, bypassing the breaker so health checks
// observe the real backend state.
func (s *breakerStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

// Close closes the inner store.
func (s *breakerStore) Close() error {
	return s.inner.Close()
}

// Ensure breakerStore implements Store.
var _ Store = (*breakerStore)(nil)
