package migrations

import (
	"gorm.io/gorm"
)

// AddPositionIndexes creates the journal indexes used by per-owner history
// queries and operational reporting
func AddPositionIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for an owner's journal, newest first
		`CREATE INDEX IF NOT EXISTS idx_operations_owner_id
		 ON operations(owner, id DESC)`,

		// Index for filtering rejected operations by error code
		`CREATE INDEX IF NOT EXISTS idx_operations_status_error_code
		 ON operations(status, error_code)`,

		// Index for time-based queries
		`CREATE INDEX IF NOT EXISTS idx_operations_created_at
		 ON operations(created_at)`,

		// Index for purging expired idempotency records
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
