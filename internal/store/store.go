// Package store is the persistent state store: object metadata, shadow
// snapshots, cache presence, chunk presence, and the durable action queue,
// all in one sqlite database with short serialized transactions.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/pkg/retry"
)

// Store errors.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrAlreadyExists     = errors.New("store: already exists")
	ErrInvalidTransition = errors.New("store: invalid sync state transition")
)

// RootID is the fixed ID of the projected tree's root folder.
const RootID = "root"

// RetryPolicy controls failed-action requeueing.
type RetryPolicy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultRetryPolicy mirrors the config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Max: 5 * time.Minute, MaxRetries: 5}
}

// backoffConfig maps the policy onto the shared backoff curve.
func (p RetryPolicy) backoffConfig() retry.Config {
	return retry.Config{
		InitialWait: p.Base,
		MaxWait:     p.Max,
		Multiplier:  2.0,
		Jitter:      0.25,
	}
}

// Store wraps the sqlite database. Readers and writers alike serialize
// through the single connection.
type Store struct {
	db    *gorm.DB
	retry RetryPolicy

	now func() int64
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy sets the failed-action backoff policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithClock overrides the time source (tests).
func WithClock(now func() int64) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path, migrates the schema,
// bootstraps the root object, and runs crash recovery.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	// sqlite supports a single writer
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:    db,
		retry: DefaultRetryPolicy(),
		now:   func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.bootstrap(); err != nil {
		return nil, err
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&Object{},
		&Shadow{},
		&CacheEntry{},
		&Chunk{},
		&Action{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) bootstrap() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Object{}).Where("id = ?", RootID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		root := &Object{
			ID:        RootID,
			Type:      TypeFolder,
			Name:      "",
			Origin:    OriginCloud,
			SyncState: StateSynced,
		}
		return tx.Create(root).Error
	})
}

// recover transitions actions orphaned in 'processing' by a dead worker back
// to 'pending'. Cache .part files are swept separately by the cache layer.
func (s *Store) recover() error {
	res := s.db.Model(&Action{}).
		Where("status = ?", StatusProcessing).
		Updates(map[string]any{"status": StatusPending, "worker_id": ""})
	if res.Error != nil {
		return fmt.Errorf("recover orphaned actions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		logging.Info("recovered orphaned actions", logging.Int64("count", res.RowsAffected))
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database instance: %w", err)
	}
	return sqlDB.Close()
}

// Health checks database connectivity.
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// checkTransition enforces the sync-state machine.
func checkTransition(from, to string) error {
	if from == to {
		return nil
	}
	if allowed, ok := validTransitions[from]; ok && allowed[to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
