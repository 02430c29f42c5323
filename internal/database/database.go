// Package database opens the PostgreSQL connection pool and keeps the schema in sync.
package database

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/config"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

// Open connects to PostgreSQL and applies the pool limits from cfg.
func Open(cfg config.Config) (*gorm.DB, error) {
	logLevel := logger.Warn
	if cfg.IsDev() {
		logLevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get generic DB")
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	return db, nil
}

// partialIndexes back the one-holder-per-copy rule: a copy has at most one open loan and at
// most one approved reservation at a time.
var partialIndexes = []struct {
	name, table, column, where string
}{
	{models.IndexOpenLoanPerInstance, "borrowed_books", "book_instance_id", "return_date IS NULL"},
	{models.IndexApprovedReservationPerInstance, "reservations", "book_instance_id", "status = 'APPROVED'"},
}

// Migrate creates or updates every table and the partial unique indexes. It works on both
// PostgreSQL and SQLite.
func Migrate(db *gorm.DB, log *zap.Logger) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return errors.Wrap(err, "auto-migrate")
	}
	for _, idx := range partialIndexes {
		stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s",
			idx.name, idx.table, idx.column, idx.where)
		if err := db.Exec(stmt).Error; err != nil {
			return errors.Wrapf(err, "create index %s", idx.name)
		}
	}
	log.Info("Migrate: schema up to date", zap.Int("tables", len(models.All())))
	return nil
}
