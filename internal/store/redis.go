package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/util"
)

// Redis store defaults.
const (
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisOpTimeout   = 3 * time.Second
	defaultRedisPoolSize    = 10
)

// RedisConfig contains redis store configuration.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	DB           int           `yaml:"db"`
	Password     string        `yaml:"-"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`
}

// redisStore implements Store on a redis backend. Documents are
// JSON-encoded under "<prefix>:<collection>:<key>".
type redisStore struct {
	client *redis.Client
	prefix string
	logger observability.Logger
}

// RedisOption is a functional option for the redis store.
type RedisOption func(*redisStore)

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(s *redisStore) {
		s.logger = logger
	}
}

// NewRedis creates a new redis-backed store.
func NewRedis(cfg RedisConfig, opts ...RedisOption) (Store, error) {
	if cfg.Addr == "" {
		return nil, util.NewConfigError("store.redis.addr", "address is required")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultRedisDialTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = defaultRedisOpTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultRedisOpTimeout
	}
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = defaultRedisPoolSize
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "authpipe"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		PoolSize:     poolSize,
	})

	s := &redisStore{
		client: client,
		prefix: prefix,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// key builds the redis key for a record.
func (s *redisStore) key(collection, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, collection, key)
}

// Get fetches a document.
func (s *redisStore) Get(ctx context.Context, collection, key string) (Document, error) {
	data, err := s.client.Get(ctx, s.key(collection, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, util.NewStoreError("redis", "get", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, util.NewStoreError("redis", "decode", err)
	}
	return doc, nil
}

// Set writes a document.
func (s *redisStore) Set(ctx context.Context, collection, key string, doc Document, ttl time.Duration) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return util.NewStoreError("redis", "encode", err)
	}

	if err := s.client.Set(ctx, s.key(collection, key), data, ttl).Err(); err != nil {
		return util.NewStoreError("redis", "set", err)
	}
	return nil
}

// Delete removes a document.
func (s *redisStore) Delete(ctx context.Context, collection, key string) error {
	if err := s.client.Del(ctx, s.key(collection, key)).Err(); err != nil {
		return util.NewStoreError("redis", "delete", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return util.NewStoreError("redis", "ping", err)
	}
	return nil
}

// Close closes the client.
func (s *redisStore) Close() error {
	return s.client.Close()
}

// Ensure redisStore implements Store.
var _ Store = (*redisStore)(nil)
