package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Config carries the deployment identity of the ledger: which custody accounts
// act as vaults and who signs for them.
type Config struct {
	CollateralVault Account
	LoanVault       Account
	// VaultSigner is the identity of the program-controlled vault authority.
	VaultSigner string
	// BorrowSigner selects who authorizes the vault -> participant transfer on
	// borrow. Defaults to SignerVault.
	BorrowSigner SignerKind
}

func (c Config) validate() error {
	if strings.TrimSpace(string(c.CollateralVault)) == "" {
		return errors.New("lending engine: collateral vault not configured")
	}
	if strings.TrimSpace(string(c.LoanVault)) == "" {
		return errors.New("lending engine: loan vault not configured")
	}
	if strings.TrimSpace(c.VaultSigner) == "" {
		return errors.New("lending engine: vault signer not configured")
	}
	if _, ok := WalletOwner(c.CollateralVault); ok {
		return errors.New("lending engine: collateral vault cannot be a participant wallet")
	}
	if _, ok := WalletOwner(c.LoanVault); ok {
		return errors.New("lending engine: loan vault cannot be a participant wallet")
	}
	switch c.BorrowSigner {
	case SignerVault, SignerParticipant:
	default:
		return fmt.Errorf("lending engine: unknown borrow signer %q", c.BorrowSigner)
	}
	return nil
}

// Engine applies the four ledger operations to a Position. It holds no
// position state itself and performs no locking: callers must serialize
// operations on the same position.
type Engine struct {
	cfg     Config
	custody Custody
	authz   Authorizer
}

// NewEngine validates cfg and returns an engine bound to the given custody
// service and authorization context.
func NewEngine(cfg Config, custody Custody, authz Authorizer) (*Engine, error) {
	if cfg.BorrowSigner == "" {
		cfg.BorrowSigner = SignerVault
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if custody == nil {
		return nil, errors.New("lending engine: custody not configured")
	}
	if authz == nil {
		return nil, errors.New("lending engine: authorizer not configured")
	}
	return &Engine{cfg: cfg, custody: custody, authz: authz}, nil
}

// Config returns the engine's deployment configuration.
func (e *Engine) Config() Config { return e.cfg }

// Deposit moves amount from the participant's wallet into the collateral vault
// and credits the position's collateral.
func (e *Engine) Deposit(ctx context.Context, caller Caller, pos Position, amount uint64) (Position, error) {
	if err := e.Admit(ctx, caller, pos.Owner, ActionDeposit, amount); err != nil {
		return pos, err
	}

	collateral, err := checkedAdd(pos.Collateral, amount)
	if err != nil {
		return pos, fmt.Errorf("deposit %d onto collateral %d: %w", amount, pos.Collateral, err)
	}

	if err := e.transfer(ctx, Transfer{
		From:   WalletAccount(pos.Owner),
		To:     e.cfg.CollateralVault,
		Amount: amount,
		Signer: ParticipantSigner(pos.Owner),
	}); err != nil {
		return pos, err
	}

	next := pos
	next.Collateral = collateral
	return next, nil
}

// Borrow pays amount out of the loan vault if the resulting debt stays within
// half of the collateral held at the moment of the call.
func (e *Engine) Borrow(ctx context.Context, caller Caller, pos Position, amount uint64) (Position, error) {
	if err := e.Admit(ctx, caller, pos.Owner, ActionBorrow, amount); err != nil {
		return pos, err
	}

	borrowed, err := checkedAdd(pos.Borrowed, amount)
	if err != nil {
		return pos, fmt.Errorf("borrow %d onto debt %d: %w", amount, pos.Borrowed, err)
	}
	if borrowed > pos.BorrowLimit() {
		return pos, fmt.Errorf("borrow %d with debt %d exceeds limit %d: %w",
			amount, pos.Borrowed, pos.BorrowLimit(), ErrInsufficientCollateral)
	}

	if err := e.transfer(ctx, Transfer{
		From:   e.cfg.LoanVault,
		To:     WalletAccount(pos.Owner),
		Amount: amount,
		Signer: e.borrowSigner(pos.Owner),
	}); err != nil {
		return pos, err
	}

	next := pos
	next.Borrowed = borrowed
	return next, nil
}

// Repay moves amount from the participant's wallet into the loan vault. Paying
// more than is owed floors the debt at zero; the excess is not credited.
func (e *Engine) Repay(ctx context.Context, caller Caller, pos Position, amount uint64) (Position, error) {
	if err := e.Admit(ctx, caller, pos.Owner, ActionRepay, amount); err != nil {
		return pos, err
	}

	if err := e.transfer(ctx, Transfer{
		From:   WalletAccount(pos.Owner),
		To:     e.cfg.LoanVault,
		Amount: amount,
		Signer: ParticipantSigner(pos.Owner),
	}); err != nil {
		return pos, err
	}

	next := pos
	next.Borrowed = saturatingSub(pos.Borrowed, amount)
	return next, nil
}

// Liquidate seizes an under-collateralized position in full. amount is paid
// from the collateral vault to the liquidator's wallet and both balances of the
// position are reset to zero. A position with no collateral left is closed
// with amount 0 and no transfer.
func (e *Engine) Liquidate(ctx context.Context, caller Caller, pos Position, amount uint64) (Position, error) {
	if err := e.Admit(ctx, caller, pos.Owner, ActionLiquidate, amount); err != nil {
		return pos, err
	}

	if !pos.Liquidatable() {
		return pos, fmt.Errorf("debt %d within limit %d: %w", pos.Borrowed, pos.BorrowLimit(), ErrNotLiquidatable)
	}
	switch {
	case pos.Collateral == 0 && amount != 0:
		return pos, fmt.Errorf("seizure %d from empty collateral: %w", amount, ErrInvalidAmount)
	case pos.Collateral > 0 && amount == 0:
		return pos, fmt.Errorf("liquidate amount must be positive: %w", ErrInvalidAmount)
	case amount > pos.Collateral:
		return pos, fmt.Errorf("seizure %d exceeds collateral %d: %w", amount, pos.Collateral, ErrInvalidAmount)
	}

	if amount > 0 {
		if err := e.transfer(ctx, Transfer{
			From:   e.cfg.CollateralVault,
			To:     WalletAccount(caller.ID),
			Amount: amount,
			Signer: VaultSigner(e.cfg.VaultSigner),
		}); err != nil {
			return pos, err
		}
	}

	next := pos
	next.Collateral = 0
	next.Borrowed = 0
	return next, nil
}

// Admit validates the request shape and authorizes caller to perform action
// on owner's position. It needs no position data, so callers can run it before
// loading the position. Liquidation amounts are checked against the position
// later, since a position without collateral is closed with amount 0.
func (e *Engine) Admit(ctx context.Context, caller Caller, owner string, action Action, amount uint64) error {
	if amount == 0 && action != ActionLiquidate {
		return fmt.Errorf("%s amount must be positive: %w", strings.ToLower(string(action)), ErrInvalidAmount)
	}
	if strings.TrimSpace(caller.ID) == "" {
		return fmt.Errorf("anonymous caller: %w", ErrUnauthorized)
	}
	if err := e.authz.Authorize(ctx, caller, owner, action); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func (e *Engine) transfer(ctx context.Context, t Transfer) error {
	if err := e.custody.Transfer(ctx, t); err != nil {
		return fmt.Errorf("%w: %s -> %s: %w", ErrTransferFailed, t.From, t.To, err)
	}
	return nil
}

func (e *Engine) borrowSigner(owner string) CustodySigner {
	if e.cfg.BorrowSigner == SignerParticipant {
		return ParticipantSigner(owner)
	}
	return VaultSigner(e.cfg.VaultSigner)
}
