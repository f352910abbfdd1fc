package lending

// Position is the per-participant aggregate holding both the collateral and the
// loan balance. Keeping them in one record means a loan can never be evaluated
// against another participant's collateral.
type Position struct {
	Owner      string `json:"owner"`
	Collateral uint64 `json:"collateral"`
	Borrowed   uint64 `json:"borrowed"`
}

// NewPosition returns a freshly provisioned position with zero balances.
func NewPosition(owner string) Position {
	return Position{Owner: owner}
}

// BorrowLimit is the maximum total debt the position's collateral supports.
func (p Position) BorrowLimit() uint64 {
	return half(p.Collateral)
}

// Healthy reports whether the debt is within the borrow limit.
func (p Position) Healthy() bool {
	return p.Borrowed <= p.BorrowLimit()
}

// Liquidatable reports whether the position has crossed the 50% LTV line.
func (p Position) Liquidatable() bool {
	return !p.Healthy()
}

// Headroom is how much more can be borrowed before hitting the limit.
func (p Position) Headroom() uint64 {
	return saturatingSub(p.BorrowLimit(), p.Borrowed)
}
