package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/store"
)

// DefaultCacheCollection is the store collection decisions are cached
// in.
const DefaultCacheCollection = "decisions"

// DefaultCacheTTL bounds decision reuse when no TTL is configured.
const DefaultCacheTTL = 5 * time.Minute

// CacheKey identifies one cacheable decision. Roles participate so a
// role change invalidates by changing the key rather than by waiting
// out the TTL.
type CacheKey struct {
	Policy   string
	Subject  string
	Resource string
	Key      string
	Action   string
	Roles    []string
}

// String returns the store key: a digest, so no subject or resource
// identifier appears in the store's keyspace.
func (k *CacheKey) String() string {
	h := sha256.New()
	h.Write([]byte(k.Policy))
	h.Write([]byte(":"))
	h.Write([]byte(k.Subject))
	h.Write([]byte(":"))
	h.Write([]byte(k.Resource))
	h.Write([]byte(":"))
	h.Write([]byte(k.Key))
	h.Write([]byte(":"))
	h.Write([]byte(k.Action))
	for _, role := range k.Roles {
		h.Write([]byte(":r:"))
		h.Write([]byte(role))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DecisionCache caches resource access decisions. Lookup and store
// failures degrade to evaluation; the cache can never fail a request.
type DecisionCache interface {
	// Get retrieves a cached decision.
	Get(ctx context.Context, key *CacheKey) (*Decision, bool)

	// Set stores a decision.
	Set(ctx context.Context, key *CacheKey, decision *Decision)

	// Close releases cache resources.
	Close() error
}

// storeDecisionCache keeps decisions in a store collection with a TTL.
type storeDecisionCache struct {
	store      store.Store
	collection string
	ttl        time.Duration
	logger     observability.Logger
	metrics    *observability.Metrics
}

// StoreCacheOption is a functional option for the store-backed cache.
type StoreCacheOption func(*storeDecisionCache)

// WithCacheLogger sets the logger.
func WithCacheLogger(logger observability.Logger) StoreCacheOption {
	return func(c *storeDecisionCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCacheMetrics sets the metrics.
func WithCacheMetrics(metrics *observability.Metrics) StoreCacheOption {
	return func(c *storeDecisionCache) {
		c.metrics = metrics
	}
}

// NewStoreDecisionCache creates a decision cache on a store
// collection.
func NewStoreDecisionCache(st store.Store, cfg *CacheConfig, opts ...StoreCacheOption) DecisionCache {
	collection := DefaultCacheCollection
	ttl := DefaultCacheTTL
	if cfg != nil {
		if cfg.Collection != "" {
			collection = cfg.Collection
		}
		if cfg.TTL > 0 {
			ttl = cfg.TTL
		}
	}

	c := &storeDecisionCache{
		store:      st,
		collection: collection,
		ttl:        ttl,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get implements the DecisionCache interface.
func (c *storeDecisionCache) Get(ctx context.Context, key *CacheKey) (*Decision, bool) {
	doc, err := c.store.Get(ctx, c.collection, key.String())
	if err != nil {
		if !store.IsNotFound(err) {
			c.logger.Warn("decision cache lookup failed", observability.Error(err))
		}
		c.recordLookup(false)
		return nil, false
	}

	allowed, ok := doc["allowed"].(bool)
	if !ok {
		c.recordLookup(false)
		return nil, false
	}
	reason, _ := doc["reason"].(string)
	policy, _ := doc["policy"].(string)

	c.recordLookup(true)
	return &Decision{Allowed: allowed, Reason: reason, Policy: policy}, true
}

// Set implements the DecisionCache interface.
func (c *storeDecisionCache) Set(ctx context.Context, key *CacheKey, decision *Decision) {
	doc := store.Document{
		"allowed":   decision.Allowed,
		"reason":    decision.Reason,
		"policy":    decision.Policy,
		"cached_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.store.Set(ctx, c.collection, key.String(), doc, c.ttl); err != nil {
		c.logger.Warn("decision cache store failed", observability.Error(err))
	}
}

// Close implements the DecisionCache interface. The store is shared;
// closing it belongs to its owner.
func (c *storeDecisionCache) Close() error {
	return nil
}

func (c *storeDecisionCache) recordLookup(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordDecisionCache(hit)
	}
}

// noopDecisionCache disables caching.
type noopDecisionCache struct{}

// NewNoopDecisionCache creates a cache that never hits.
func NewNoopDecisionCache() DecisionCache {
	return noopDecisionCache{}
}

func (noopDecisionCache) Get(context.Context, *CacheKey) (*Decision, bool) { return nil, false }
func (noopDecisionCache) Set(context.Context, *CacheKey, *Decision)        {}
func (noopDecisionCache) Close() error                                     { return nil }

// Ensure implementations satisfy the interface.
var (
	_ DecisionCache = (*storeDecisionCache)(nil)
	_ DecisionCache = noopDecisionCache{}
)
