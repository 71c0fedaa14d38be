package store

import (
	"context"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
)

// instrumentedStore wraps a Store with operation metrics. Not-found
// results count as successes; only genuine backend failures are
// recorded as errors.
type instrumentedStore struct {
	inner   Store
	name    string
	metrics *observability.Metrics
}

// NewInstrumented wraps inner with per-operation metrics under the
// given store name.
func NewInstrumented(inner Store, name string, metrics *observability.Metrics) Store {
	if metrics == nil {
		return inner
	}
	return &instrumentedStore{inner: inner, name: name, metrics: metrics}
}

func (s *instrumentedStore) record(op string, err error) {
	if IsNotFound(err) {
		err = nil
	}
	s.metrics.RecordStoreOp(s.name, op, err)
}

// Get fetches a document.
func (s *instrumentedStore) Get(ctx context.Context, collection, key string) (Document, error) {
	doc, err := s.inner.Get(ctx, collection, key)
	s.record("get", err)
	return doc, err
}

// Set writes a document.
func (s *instrumentedStore) Set(ctx context.Context, collection, key string, doc Document, ttl time.Duration) error {
	err := s.inner.Set(ctx, collection, key, doc, ttl)
	s.record("set", err)
	return err
}

// Delete removes a document.
func (s *instrumentedStore) Delete(ctx context.Context, collection, key string) error {
	err := s.inner.Delete(ctx, collection, key)
	s.record("delete", err)
	return err
}

// Ping checks connectivity.
func (s *instrumentedStore) Ping(ctx context.Context) error {
	err := s.inner.Ping(ctx)
	s.record("ping", err)
	return err
}

// Close closes the inner store.
func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}

// Ensure instrumentedStore implements Store.
var _ Store = (*instrumentedStore)(nil)
