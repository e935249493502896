package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/interopscore/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CachedDay is one day of fetched runs for a query scope.
type CachedDay struct {
	ID        uint   `gorm:"primaryKey"`
	Scope     string `gorm:"not null;uniqueIndex:idx_cached_days_scope_day"`
	Day       string `gorm:"not null;uniqueIndex:idx_cached_days_scope_day"`
	RunsJSON  string `gorm:"type:text"`
	FetchedAt time.Time
}

// Compile-time interface check.
var _ Cache = (*DBCache)(nil)

// DBCache is a Cache persisted in a SQL database so standalone fetches
// survive process restarts. Entries are partitioned by scope, which
// identifies the products/channel/alignment of the query.
type DBCache struct {
	log   logrus.FieldLogger
	cfg   *config.DatabaseConfig
	scope string
	db    *gorm.DB
}

// NewDBCache creates a database-backed cache for scope.
func NewDBCache(log logrus.FieldLogger, cfg *config.DatabaseConfig, scope string) *DBCache {
	return &DBCache{
		log:   log.WithField("component", "run-cache"),
		cfg:   cfg,
		scope: scope,
	}
}

// Start opens the database connection and runs migrations.
func (c *DBCache) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch c.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(c.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.cfg.Postgres.Host,
			c.cfg.Postgres.Port,
			c.cfg.Postgres.User,
			c.cfg.Postgres.Password,
			c.cfg.Postgres.Database,
			c.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", c.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("opening run cache database: %w", err)
	}

	c.db = db

	if err := c.db.WithContext(ctx).AutoMigrate(&CachedDay{}); err != nil {
		return fmt.Errorf("running run cache migrations: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"driver": c.cfg.Driver,
		"scope":  c.scope,
	}).Debug("Run cache connected")

	return nil
}

// Stop closes the underlying database connection.
func (c *DBCache) Stop() error {
	if c.db == nil {
		return nil
	}

	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Get implements Cache.
func (c *DBCache) Get(ctx context.Context, day string) ([]Run, bool, error) {
	var entry CachedDay

	err := c.db.WithContext(ctx).
		Where("scope = ? AND day = ?", c.scope, day).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("reading cached day %s: %w", day, err)
	}

	var runs []Run
	if err := json.Unmarshal([]byte(entry.RunsJSON), &runs); err != nil {
		// A corrupt entry is treated as a miss and refetched.
		c.log.WithError(err).WithField("day", day).Warn("Discarding corrupt cache entry")

		return nil, false, nil
	}

	return runs, true, nil
}

// Put implements Cache.
func (c *DBCache) Put(ctx context.Context, day string, runs []Run) error {
	if runs == nil {
		runs = []Run{}
	}

	data, err := json.Marshal(runs)
	if err != nil {
		return fmt.Errorf("marshaling runs for %s: %w", day, err)
	}

	entry := &CachedDay{
		Scope:     c.scope,
		Day:       day,
		RunsJSON:  string(data),
		FetchedAt: time.Now().UTC(),
	}

	result := c.db.WithContext(ctx).
		Where("scope = ? AND day = ?", c.scope, day).
		Assign(entry).
		FirstOrCreate(entry)
	if result.Error != nil {
		return fmt.Errorf("upserting cached day %s: %w", day, result.Error)
	}

	return nil
}
