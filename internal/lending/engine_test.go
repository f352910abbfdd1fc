package lending

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCollateralVault Account = "vault:collateral"
	testLoanVault       Account = "vault:loan"
	testVaultSigner             = "vault-authority"
)

type recordingCustody struct {
	transfers []Transfer
	err       error
}

func (r *recordingCustody) Transfer(_ context.Context, t Transfer) error {
	if r.err != nil {
		return r.err
	}
	r.transfers = append(r.transfers, t)
	return nil
}

// ownerOnly lets participants act on their own position and anyone else
// liquidate.
var ownerOnly = AuthorizerFunc(func(_ context.Context, caller Caller, owner string, action Action) error {
	if action == ActionLiquidate {
		if caller.ID == owner {
			return ErrUnauthorized
		}
		return nil
	}
	if caller.ID != owner {
		return ErrUnauthorized
	}
	return nil
})

func newTestEngine(t *testing.T, custody Custody) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{
		CollateralVault: testCollateralVault,
		LoanVault:       testLoanVault,
		VaultSigner:     testVaultSigner,
	}, custody, ownerOnly)
	require.NoError(t, err)
	return engine
}

var (
	alice      = Caller{ID: "alice"}
	liquidator = Caller{ID: "liq"}
)

func TestBorrowGate(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, &recordingCustody{})
	pos := Position{Owner: "alice", Collateral: 100}

	next, err := engine.Borrow(ctx, alice, pos, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), next.Borrowed)
	assert.True(t, next.Healthy())

	got, err := engine.Borrow(ctx, alice, pos, 51)
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	assert.Equal(t, pos, got)
}

func TestBorrowGateRoundsDown(t *testing.T) {
	engine := newTestEngine(t, &recordingCustody{})
	pos := Position{Owner: "alice", Collateral: 101}

	_, err := engine.Borrow(context.Background(), alice, pos, 51)
	require.ErrorIs(t, err, ErrInsufficientCollateral)

	next, err := engine.Borrow(context.Background(), alice, pos, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), next.Borrowed)
}

func TestLiquidateGate(t *testing.T) {
	ctx := context.Background()
	custody := &recordingCustody{}
	engine := newTestEngine(t, custody)

	healthy := Position{Owner: "alice", Collateral: 100, Borrowed: 40}
	got, err := engine.Liquidate(ctx, liquidator, healthy, 100)
	require.ErrorIs(t, err, ErrNotLiquidatable)
	assert.Equal(t, healthy, got)
	assert.Empty(t, custody.transfers)

	atLimit := Position{Owner: "alice", Collateral: 100, Borrowed: 50}
	_, err = engine.Liquidate(ctx, liquidator, atLimit, 100)
	require.ErrorIs(t, err, ErrNotLiquidatable)

	underwater := Position{Owner: "alice", Collateral: 100, Borrowed: 60}
	next, err := engine.Liquidate(ctx, liquidator, underwater, 100)
	require.NoError(t, err)
	assert.Equal(t, Position{Owner: "alice"}, next)
	require.Len(t, custody.transfers, 1)
	assert.Equal(t, WalletAccount("liq"), custody.transfers[0].To)
}

func TestLiquidateFullSeizureRegardlessOfAmount(t *testing.T) {
	engine := newTestEngine(t, &recordingCustody{})
	pos := Position{Owner: "alice", Collateral: 100, Borrowed: 90}

	next, err := engine.Liquidate(context.Background(), liquidator, pos, 10)
	require.NoError(t, err)
	assert.Zero(t, next.Collateral)
	assert.Zero(t, next.Borrowed)
}

func TestLiquidateAmountCappedByCollateral(t *testing.T) {
	custody := &recordingCustody{}
	engine := newTestEngine(t, custody)
	pos := Position{Owner: "alice", Collateral: 100, Borrowed: 60}

	got, err := engine.Liquidate(context.Background(), liquidator, pos, 101)
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, pos, got)
	assert.Empty(t, custody.transfers)
}

func TestLiquidateWithoutCollateral(t *testing.T) {
	custody := &recordingCustody{}
	engine := newTestEngine(t, custody)
	ctx := context.Background()
	pos := Position{Owner: "alice", Borrowed: 5}
	require.True(t, pos.Liquidatable())

	for _, amount := range []uint64{1, 5} {
		got, err := engine.Liquidate(ctx, liquidator, pos, amount)
		require.ErrorIs(t, err, ErrInvalidAmount)
		assert.Equal(t, pos, got)
	}

	next, err := engine.Liquidate(ctx, liquidator, pos, 0)
	require.NoError(t, err)
	assert.Equal(t, Position{Owner: "alice"}, next)
	assert.True(t, next.Healthy())
	assert.Empty(t, custody.transfers)
}

func TestAdmitNeedsNoPosition(t *testing.T) {
	engine := newTestEngine(t, &recordingCustody{})
	ctx := context.Background()

	require.NoError(t, engine.Admit(ctx, alice, "alice", ActionDeposit, 1))
	require.NoError(t, engine.Admit(ctx, liquidator, "alice", ActionLiquidate, 0))
	require.ErrorIs(t, engine.Admit(ctx, alice, "alice", ActionRepay, 0), ErrInvalidAmount)
	require.ErrorIs(t, engine.Admit(ctx, alice, "bob", ActionDeposit, 1), ErrUnauthorized)
	require.ErrorIs(t, engine.Admit(ctx, Caller{}, "alice", ActionDeposit, 1), ErrUnauthorized)
}

func TestSequenceScenario(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, &recordingCustody{})
	pos := NewPosition("alice")

	var err error
	pos, err = engine.Deposit(ctx, alice, pos, 100)
	require.NoError(t, err)
	pos, err = engine.Borrow(ctx, alice, pos, 50)
	require.NoError(t, err)
	pos, err = engine.Repay(ctx, alice, pos, 20)
	require.NoError(t, err)
	assert.Equal(t, Position{Owner: "alice", Collateral: 100, Borrowed: 30}, pos)

	pos, err = engine.Borrow(ctx, alice, pos, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), pos.Borrowed)

	_, err = engine.Borrow(ctx, alice, pos, 1)
	require.ErrorIs(t, err, ErrInsufficientCollateral)
}

func TestRepaySaturates(t *testing.T) {
	engine := newTestEngine(t, &recordingCustody{})
	pos := Position{Owner: "alice", Collateral: 100, Borrowed: 30}

	next, err := engine.Repay(context.Background(), alice, pos, 500)
	require.NoError(t, err)
	assert.Zero(t, next.Borrowed)
	assert.Equal(t, uint64(100), next.Collateral)
}

func TestRepayCuresLiquidatablePosition(t *testing.T) {
	engine := newTestEngine(t, &recordingCustody{})
	pos := Position{Owner: "alice", Collateral: 100, Borrowed: 60}
	require.True(t, pos.Liquidatable())

	next, err := engine.Repay(context.Background(), alice, pos, 10)
	require.NoError(t, err)
	assert.True(t, next.Healthy())

	_, err = engine.Liquidate(context.Background(), liquidator, next, 100)
	require.ErrorIs(t, err, ErrNotLiquidatable)
}

func TestDepositOverflowFailsClosed(t *testing.T) {
	custody := &recordingCustody{}
	engine := newTestEngine(t, custody)
	pos := Position{Owner: "alice", Collateral: math.MaxUint64 - 5}

	got, err := engine.Deposit(context.Background(), alice, pos, 6)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
	assert.Equal(t, pos, got)
	assert.Empty(t, custody.transfers)

	next, err := engine.Deposit(context.Background(), alice, pos, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), next.Collateral)
}

func TestBorrowOverflowFailsClosed(t *testing.T) {
	engine := newTestEngine(t, &recordingCustody{})
	pos := Position{Owner: "alice", Collateral: math.MaxUint64, Borrowed: math.MaxUint64 / 2}

	_, err := engine.Borrow(context.Background(), alice, pos, math.MaxUint64)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestTransferFailureLeavesPositionUnchanged(t *testing.T) {
	rail := errors.New("account frozen")
	engine := newTestEngine(t, &recordingCustody{err: rail})
	ctx := context.Background()

	cases := []struct {
		name   string
		caller Caller
		pos    Position
		run    func(context.Context, Caller, Position, uint64) (Position, error)
	}{
		{"deposit", alice, Position{Owner: "alice", Collateral: 10}, engine.Deposit},
		{"borrow", alice, Position{Owner: "alice", Collateral: 100}, engine.Borrow},
		{"repay", alice, Position{Owner: "alice", Collateral: 100, Borrowed: 40}, engine.Repay},
		{"liquidate", liquidator, Position{Owner: "alice", Collateral: 100, Borrowed: 60}, engine.Liquidate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.run(ctx, tc.caller, tc.pos, 10)
			require.ErrorIs(t, err, ErrTransferFailed)
			require.ErrorIs(t, err, rail)
			assert.Equal(t, tc.pos, got)
		})
	}
}

func TestZeroAmountRejected(t *testing.T) {
	custody := &recordingCustody{}
	engine := newTestEngine(t, custody)
	pos := Position{Owner: "alice", Collateral: 100, Borrowed: 60}

	for name, run := range map[string]func(context.Context, Caller, Position, uint64) (Position, error){
		"deposit": engine.Deposit,
		"borrow":  engine.Borrow,
		"repay":   engine.Repay,
	} {
		_, err := run(context.Background(), alice, pos, 0)
		assert.ErrorIs(t, err, ErrInvalidAmount, name)
	}
	_, err := engine.Liquidate(context.Background(), liquidator, pos, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, custody.transfers)
}

func TestAuthorizationPrecedesGates(t *testing.T) {
	custody := &recordingCustody{}
	engine := newTestEngine(t, custody)
	ctx := context.Background()

	// A stranger borrowing far beyond the limit must learn nothing about the
	// position: the rejection is Unauthorized, not InsufficientCollateral.
	_, err := engine.Borrow(ctx, Caller{ID: "mallory"}, Position{Owner: "alice"}, 1_000)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.NotErrorIs(t, err, ErrInsufficientCollateral)

	// Self-liquidation of a healthy position is also rejected before the gate.
	_, err = engine.Liquidate(ctx, alice, Position{Owner: "alice", Collateral: 100}, 10)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = engine.Deposit(ctx, Caller{}, Position{Owner: "alice"}, 10)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, custody.transfers)
}

func TestAuthorizerErrorsAreWrapped(t *testing.T) {
	denied := errors.New("token revoked")
	engine, err := NewEngine(Config{
		CollateralVault: testCollateralVault,
		LoanVault:       testLoanVault,
		VaultSigner:     testVaultSigner,
	}, &recordingCustody{}, AuthorizerFunc(func(context.Context, Caller, string, Action) error {
		return denied
	}))
	require.NoError(t, err)

	_, err = engine.Deposit(context.Background(), alice, Position{Owner: "alice"}, 1)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, CodeUnauthorized, Kind(err))
}

func TestTransferDirections(t *testing.T) {
	ctx := context.Background()
	custody := &recordingCustody{}
	engine := newTestEngine(t, custody)

	pos, err := engine.Deposit(ctx, alice, NewPosition("alice"), 100)
	require.NoError(t, err)
	pos, err = engine.Borrow(ctx, alice, pos, 50)
	require.NoError(t, err)
	pos, err = engine.Repay(ctx, alice, pos, 10)
	require.NoError(t, err)
	pos.Borrowed = 70
	_, err = engine.Liquidate(ctx, liquidator, pos, 100)
	require.NoError(t, err)

	want := []struct {
		from, to Account
		amount   uint64
		signer   string
		kind     SignerKind
	}{
		{WalletAccount("alice"), testCollateralVault, 100, "alice", SignerParticipant},
		{testLoanVault, WalletAccount("alice"), 50, testVaultSigner, SignerVault},
		{WalletAccount("alice"), testLoanVault, 10, "alice", SignerParticipant},
		{testCollateralVault, WalletAccount("liq"), 100, testVaultSigner, SignerVault},
	}
	require.Len(t, custody.transfers, len(want))
	for i, w := range want {
		got := custody.transfers[i]
		assert.Equal(t, w.from, got.From, "transfer %d from", i)
		assert.Equal(t, w.to, got.To, "transfer %d to", i)
		assert.Equal(t, w.amount, got.Amount, "transfer %d amount", i)
		assert.Equal(t, w.signer, got.Signer.SignerID(), "transfer %d signer", i)
		assert.Equal(t, w.kind, got.Signer.Kind(), "transfer %d signer kind", i)
	}
}

func TestParticipantBorrowSigner(t *testing.T) {
	custody := &recordingCustody{}
	engine, err := NewEngine(Config{
		CollateralVault: testCollateralVault,
		LoanVault:       testLoanVault,
		VaultSigner:     testVaultSigner,
		BorrowSigner:    SignerParticipant,
	}, custody, ownerOnly)
	require.NoError(t, err)

	_, err = engine.Borrow(context.Background(), alice, Position{Owner: "alice", Collateral: 10}, 5)
	require.NoError(t, err)
	require.Len(t, custody.transfers, 1)
	assert.Equal(t, SignerParticipant, custody.transfers[0].Signer.Kind())
	assert.Equal(t, "alice", custody.transfers[0].Signer.SignerID())
}

func TestNewEngineValidatesConfig(t *testing.T) {
	custody := &recordingCustody{}
	valid := Config{CollateralVault: testCollateralVault, LoanVault: testLoanVault, VaultSigner: testVaultSigner}

	cases := map[string]func(*Config){
		"missing collateral vault": func(c *Config) { c.CollateralVault = "" },
		"missing loan vault":       func(c *Config) { c.LoanVault = " " },
		"missing vault signer":     func(c *Config) { c.VaultSigner = "" },
		"wallet as vault":          func(c *Config) { c.LoanVault = WalletAccount("bob") },
		"unknown borrow signer":    func(c *Config) { c.BorrowSigner = "oracle" },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		_, err := NewEngine(cfg, custody, ownerOnly)
		assert.Error(t, err, name)
	}

	_, err := NewEngine(valid, nil, ownerOnly)
	assert.Error(t, err)
	_, err = NewEngine(valid, custody, nil)
	assert.Error(t, err)

	engine, err := NewEngine(valid, custody, ownerOnly)
	require.NoError(t, err)
	assert.Equal(t, SignerVault, engine.Config().BorrowSigner)
}
