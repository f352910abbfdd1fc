package types

import "time"

// PositionResponse represents a participant's lending position
type PositionResponse struct {
	Owner        string    `json:"owner"`
	Collateral   uint64    `json:"collateral"`
	Borrowed     uint64    `json:"borrowed"`
	BorrowLimit  uint64    `json:"borrow_limit"`
	Headroom     uint64    `json:"headroom"`
	Healthy      bool      `json:"healthy"`
	Liquidatable bool      `json:"liquidatable"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OperationResponse represents a journaled ledger operation
type OperationResponse struct {
	OperationID      string    `json:"operation_id"`
	Owner            string    `json:"owner"`
	Caller           string    `json:"caller"`
	Kind             string    `json:"kind"` // DEPOSIT, BORROW, REPAY, LIQUIDATE
	Amount           uint64    `json:"amount"`
	Status           string    `json:"status"` // COMMITTED or REJECTED
	ErrorCode        string    `json:"error_code,omitempty"`
	CollateralBefore uint64    `json:"collateral_before"`
	BorrowedBefore   uint64    `json:"borrowed_before"`
	CollateralAfter  uint64    `json:"collateral_after"`
	BorrowedAfter    uint64    `json:"borrowed_after"`
	Replayed         bool      `json:"replayed,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AmountRequest is the body of deposit, borrow, repay and liquidate requests
type AmountRequest struct {
	Amount uint64 `json:"amount"`
}
