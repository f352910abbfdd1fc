package lending

import "context"

type Action string

const (
	ActionDeposit   Action = "DEPOSIT"
	ActionBorrow    Action = "BORROW"
	ActionRepay     Action = "REPAY"
	ActionLiquidate Action = "LIQUIDATE"
)

// Caller is the authenticated identity invoking an operation.
type Caller struct {
	ID          string
	Permissions []string
}

// HasPermission reports whether the caller was granted perm.
func (c Caller) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Authorizer decides whether caller may perform action on owner's position.
type Authorizer interface {
	Authorize(ctx context.Context, caller Caller, owner string, action Action) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, caller Caller, owner string, action Action) error

func (f AuthorizerFunc) Authorize(ctx context.Context, caller Caller, owner string, action Action) error {
	return f(ctx, caller, owner, action)
}
