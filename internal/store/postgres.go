package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/util"
)

// pgRecord is the generic document row. One table holds every
// collection; the (collection, key) pair is the primary key.
type pgRecord struct {
	Collection string     `gorm:"primaryKey;size:128;column:collection"`
	Key        string     `gorm:"primaryKey;size:256;column:key"`
	Document   []byte     `gorm:"type:jsonb;column:document"`
	ExpiresAt  *time.Time `gorm:"column:expires_at;index"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

// TableName sets the table name.
func (pgRecord) TableName() string {
	return "authpipe_records"
}

// postgresStore implements Store on PostgreSQL via gorm.
type postgresStore struct {
	db     *gorm.DB
	logger observability.Logger
}

// PostgresOption is a functional option for the postgres store.
type PostgresOption func(*postgresStore)

// WithPostgresLogger sets the logger.
func WithPostgresLogger(logger observability.Logger) PostgresOption {
	return func(s *postgresStore) {
		s.logger = logger
	}
}

// NewPostgres creates a new postgres-backed store and migrates the
// records table.
func NewPostgres(dsn string, opts ...PostgresOption) (Store, error) {
	if dsn == "" {
		return nil, util.NewConfigError("store.postgres.dsn", "dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, util.NewStoreError("postgres", "open", err)
	}

	if err := db.AutoMigrate(&pgRecord{}); err != nil {
		return nil, util.NewStoreError("postgres", "migrate", err)
	}

	s := &postgresStore{
		db:     db,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Get fetches a document.
func (s *postgresStore) Get(ctx context.Context, collection, key string) (Document, error) {
	var rec pgRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND key = ?", collection, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, util.NewStoreError("postgres", "get", err)
	}

	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		// Expired rows count as absent; removal is best effort.
		_ = s.db.WithContext(ctx).Delete(&pgRecord{}, "collection = ? AND key = ?", collection, key).Error
		return nil, ErrNotFound
	}

	var doc Document
	if err := json.Unmarshal(rec.Document, &doc); err != nil {
		return nil, util.NewStoreError("postgres", "decode", err)
	}
	return doc, nil
}

// Set writes a document, upserting on the (collection, key) pair.
func (s *postgresStore) Set(ctx context.Context, collection, key string, doc Document, ttl time.Duration) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return util.NewStoreError("postgres", "encode", err)
	}

	rec := pgRecord{
		Collection: collection,
		Key:        key,
		Document:   data,
		UpdatedAt:  time.Now(),
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		rec.ExpiresAt = &expires
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"document", "expires_at", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return util.NewStoreError("postgres", "set", err)
	}
	return nil
}

// Delete removes a document.
func (s *postgresStore) Delete(ctx context.Context, collection, key string) error {
	err := s.db.WithContext(ctx).
		Delete(&pgRecord{}, "collection = ? AND key = ?", collection, key).Error
	if err != nil {
		return util.NewStoreError("postgres", "delete", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *postgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return util.NewStoreError("postgres", "ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return util.NewStoreError("postgres", "ping", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ensure postgresStore implements Store.
var _ Store = (*postgresStore)(nil)
