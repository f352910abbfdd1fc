package database

import (
	"fmt"
	"time"

	"github.com/ksred/klear-lend/internal/database/migrations"
	"github.com/ksred/klear-lend/internal/ledger"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the SQLite database at path, migrates the ledger schema
// and returns the GORM connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; serialize access through one connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&ledger.PositionRecord{},
		&ledger.OperationRecord{},
		&ledger.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddPositionIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	purged, err := migrations.PurgeExpiredIdempotency(db, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	if purged > 0 {
		log.Info().Int64("purged", purged).Msg("removed expired idempotency records")
	}

	return db, nil
}
