package ledger

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// Amount is a u64 balance stored in a signed SQLite INTEGER column. Values
// above math.MaxInt64 are kept by reinterpreting the bits, so every uint64
// round-trips unchanged. The stored column must not be compared or summed in
// SQL beyond equality.
type Amount uint64

func (Amount) GormDataType() string {
	return "integer"
}

func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}

func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = 0
	case int64:
		*a = Amount(uint64(v))
	case []byte:
		return a.parse(string(v))
	case string:
		return a.parse(v)
	default:
		return fmt.Errorf("ledger: cannot scan %T into Amount", src)
	}
	return nil
}

func (a *Amount) parse(s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("ledger: scan amount %q: %w", s, err)
	}
	*a = Amount(uint64(n))
	return nil
}
