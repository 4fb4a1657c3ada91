package bundler

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Winston is an amount of the chain's smallest currency unit. Amounts are
// 256-bit capable; the zero value is zero winston and usable as-is.
type Winston struct {
	amt uint256.Int
}

// ParseWinston converts a decimal string to a Winston amount.
func ParseWinston(s string) (Winston, error) {
	if s == "" {
		return Winston{}, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Winston{}, fmt.Errorf("invalid winston amount %q, details: %v", s, err)
	}
	return Winston{amt: *v}, nil
}

// WinstonFromUint64 converts n to a Winston amount.
func WinstonFromUint64(n uint64) Winston {
	var w Winston
	w.amt.SetUint64(n)
	return w
}

// String returns the decimal representation.
func (w Winston) String() string {
	return w.amt.Dec()
}

// MarshalJSON encodes the amount as a decimal JSON string.
func (w Winston) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.amt.Dec() + `"`), nil
}

// UnmarshalJSON accepts a decimal string or bare number.
func (w *Winston) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := ParseWinston(s)
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// Add returns w + y.
func (w Winston) Add(y Winston) Winston {
	var r Winston
	r.amt.Add(&w.amt, &y.amt)
	return r
}

// MulRat returns w * num / den, used for percentage splits like community
// tips. den must be non-zero.
func (w Winston) MulRat(num, den uint64) Winston {
	var r Winston
	var n, d uint256.Int
	n.SetUint64(num)
	d.SetUint64(den)
	r.amt.Mul(&w.amt, &n)
	r.amt.Div(&r.amt, &d)
	return r
}

// Cmp returns -1, 0 or 1 comparing w to y.
func (w Winston) Cmp(y Winston) int {
	return w.amt.Cmp(&y.amt)
}

// IsZero reports whether the amount is zero.
func (w Winston) IsZero() bool {
	return w.amt.IsZero()
}
