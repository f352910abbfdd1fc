package lending

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionHealth(t *testing.T) {
	cases := []struct {
		pos      Position
		limit    uint64
		healthy  bool
		headroom uint64
	}{
		{Position{}, 0, true, 0},
		{Position{Collateral: 100}, 50, true, 50},
		{Position{Collateral: 100, Borrowed: 50}, 50, true, 0},
		{Position{Collateral: 100, Borrowed: 51}, 50, false, 0},
		{Position{Collateral: 1, Borrowed: 1}, 0, false, 0},
		{Position{Collateral: math.MaxUint64}, math.MaxUint64 / 2, true, math.MaxUint64 / 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.limit, tc.pos.BorrowLimit(), "%+v", tc.pos)
		assert.Equal(t, tc.healthy, tc.pos.Healthy(), "%+v", tc.pos)
		assert.Equal(t, !tc.healthy, tc.pos.Liquidatable(), "%+v", tc.pos)
		assert.Equal(t, tc.headroom, tc.pos.Headroom(), "%+v", tc.pos)
	}
}

func TestNewPositionIsZeroed(t *testing.T) {
	pos := NewPosition("bob")
	assert.Equal(t, Position{Owner: "bob"}, pos)
	assert.True(t, pos.Healthy())
}

func TestCheckedArithmetic(t *testing.T) {
	sum, err := checkedAdd(math.MaxUint64-1, 1)
	assert.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), sum)

	_, err = checkedAdd(math.MaxUint64, 1)
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	assert.Equal(t, uint64(0), saturatingSub(5, 9))
	assert.Equal(t, uint64(0), saturatingSub(5, 5))
	assert.Equal(t, uint64(4), saturatingSub(9, 5))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, CodeNotLiquidatable, Kind(fmt.Errorf("wrapped: %w", ErrNotLiquidatable)))
	assert.Equal(t, CodeTransferFailed, Kind(fmt.Errorf("%w: %w", ErrTransferFailed, errors.New("rail down"))))
	assert.Equal(t, CodeInternal, Kind(errors.New("disk full")))
}

func TestWalletAccount(t *testing.T) {
	owner, ok := WalletOwner(WalletAccount("alice"))
	assert.True(t, ok)
	assert.Equal(t, "alice", owner)

	_, ok = WalletOwner("vault:loan")
	assert.False(t, ok)
	_, ok = WalletOwner(WalletAccount(""))
	assert.False(t, ok)
}
