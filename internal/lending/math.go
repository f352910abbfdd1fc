package lending

import "math/bits"

// checkedAdd returns a+b, failing closed instead of wrapping.
func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return a, ErrArithmeticOverflow
	}
	return sum, nil
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// half is the 50% LTV ceiling, rounded down.
func half(amount uint64) uint64 {
	return amount / 2
}
