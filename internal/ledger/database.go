package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-lend/internal/lending"
	"gorm.io/gorm"
)

const idempotencyTTL = 24 * time.Hour

// ErrConcurrentUpdate means the stored position changed between load and save.
var ErrConcurrentUpdate = errors.New("ledger: position changed concurrently")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreatePosition(ctx context.Context, pos lending.Position) (*PositionRecord, error) {
	owner := pos.Owner
	record := PositionRecord{
		Owner:      owner,
		Collateral: Amount(pos.Collateral),
		Borrowed:   Amount(pos.Borrowed),
	}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&PositionRecord{}).Where("owner = ?", owner).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", lending.ErrPositionExists, owner)
		}
		return tx.Create(&record).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("%w: %s", lending.ErrPositionExists, owner)
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (d *Database) GetPosition(ctx context.Context, owner string) (*PositionRecord, error) {
	var record PositionRecord
	if err := d.db.WithContext(ctx).Where("owner = ?", owner).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", lending.ErrPositionNotFound, owner)
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) ListPositions(ctx context.Context) ([]PositionRecord, error) {
	var records []PositionRecord
	if err := d.db.WithContext(ctx).Order("owner").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) ListOperations(ctx context.Context, owner string, limit int) ([]OperationRecord, error) {
	var records []OperationRecord
	q := d.db.WithContext(ctx).Where("owner = ?", owner).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) GetOperation(ctx context.Context, operationID string) (*OperationRecord, error) {
	var record OperationRecord
	if err := d.db.WithContext(ctx).Where("operation_id = ?", operationID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// GetIdempotencyRecord returns the unexpired record for key, or nil if none exists
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, time.Now()).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CommitOperation stores the new balances of a position, its journal entry
// and the idempotency record in one transaction. The update only applies if
// the stored balances still equal the operation's before-state.
func (d *Database) CommitOperation(ctx context.Context, op *OperationRecord, idempotencyKey string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PositionRecord{}).
			Where("owner = ? AND collateral = ? AND borrowed = ?", op.Owner, op.CollateralBefore, op.BorrowedBefore).
			Updates(map[string]interface{}{
				"collateral": op.CollateralAfter,
				"borrowed":   op.BorrowedAfter,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: %s", ErrConcurrentUpdate, op.Owner)
		}

		if err := tx.Create(op).Error; err != nil {
			return err
		}

		if idempotencyKey == "" {
			return nil
		}
		// Expired records are replaced so the key can be reused
		if err := tx.Unscoped().
			Where("idempotency_key = ? AND expires_at <= ?", idempotencyKey, time.Now()).
			Delete(&IdempotencyRecord{}).Error; err != nil {
			return err
		}
		record := IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     op.OperationID,
			ResourceType:   "operation",
			ExpiresAt:      time.Now().Add(idempotencyTTL),
		}
		return tx.Create(&record).Error
	})
}

// RecordRejection journals an operation that did not change the position
func (d *Database) RecordRejection(ctx context.Context, op *OperationRecord) error {
	return d.db.WithContext(ctx).Create(op).Error
}
