package ledger

import (
	"time"

	"github.com/ksred/klear-lend/internal/lending"
	"github.com/ksred/klear-lend/internal/types"
	"gorm.io/gorm"
)

// Operation statuses
const (
	StatusCommitted = "COMMITTED"
	StatusRejected  = "REJECTED"
)

type PositionRecord struct {
	gorm.Model
	Owner      string `gorm:"uniqueIndex;not null"`
	Collateral Amount `gorm:"not null"`
	Borrowed   Amount `gorm:"not null"`
}

func (PositionRecord) TableName() string {
	return "positions"
}

func (r PositionRecord) Position() lending.Position {
	return lending.Position{
		Owner:      r.Owner,
		Collateral: uint64(r.Collateral),
		Borrowed:   uint64(r.Borrowed),
	}
}

func (r PositionRecord) Response() *types.PositionResponse {
	pos := r.Position()
	return &types.PositionResponse{
		Owner:        pos.Owner,
		Collateral:   pos.Collateral,
		Borrowed:     pos.Borrowed,
		BorrowLimit:  pos.BorrowLimit(),
		Headroom:     pos.Headroom(),
		Healthy:      pos.Healthy(),
		Liquidatable: pos.Liquidatable(),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// OperationRecord is one journal entry. Rejected operations keep identical
// before and after balances.
type OperationRecord struct {
	gorm.Model
	OperationID      string `gorm:"uniqueIndex;not null"`
	Owner            string `gorm:"index;not null"`
	Caller           string `gorm:"not null"`
	Kind             string `gorm:"not null"`
	Amount           Amount
	Status           string `gorm:"not null"`
	ErrorCode        string
	CollateralBefore Amount
	BorrowedBefore   Amount
	CollateralAfter  Amount
	BorrowedAfter    Amount
}

func (OperationRecord) TableName() string {
	return "operations"
}

func (r OperationRecord) Response() *types.OperationResponse {
	return &types.OperationResponse{
		OperationID:      r.OperationID,
		Owner:            r.Owner,
		Caller:           r.Caller,
		Kind:             r.Kind,
		Amount:           uint64(r.Amount),
		Status:           r.Status,
		ErrorCode:        r.ErrorCode,
		CollateralBefore: uint64(r.CollateralBefore),
		BorrowedBefore:   uint64(r.BorrowedBefore),
		CollateralAfter:  uint64(r.CollateralAfter),
		BorrowedAfter:    uint64(r.BorrowedAfter),
		CreatedAt:        r.CreatedAt,
	}
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string `gorm:"uniqueIndex"`
	ResourceID     string
	ResourceType   string
	ExpiresAt      time.Time
}
