package migrations

import (
	"time"

	"gorm.io/gorm"
)

// PurgeExpiredIdempotency removes idempotency records that expired before now
func PurgeExpiredIdempotency(db *gorm.DB, now time.Time) (int64, error) {
	res := db.Exec(`DELETE FROM idempotency_records WHERE expires_at <= ?`, now)
	return res.RowsAffected, res.Error
}
