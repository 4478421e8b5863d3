package domain

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// AmountDecimals is the number of fractional digits in one whole unit.
const AmountDecimals = 6

// BasisPointsDenominator is the divisor used for fee rates.
const BasisPointsDenominator = 10000

// Amount is a non-negative token quantity in base units.
type Amount struct {
	v uint256.Int
}

func NewAmount(base uint64) Amount {
	var a Amount
	a.v.SetUint64(base)
	return a
}

// ParseAmount parses a decimal integer of base units.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	s = strings.TrimSpace(s)
	if s == "" {
		return a, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return a, nil
}

// ParseUnits parses a human quantity such as "2.50" into base units.
func ParseUnits(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return Amount{}, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	if len(frac) > AmountDecimals {
		return Amount{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, AmountDecimals)
	}
	if whole == "" {
		whole = "0"
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", AmountDecimals-len(frac)), "0")
	if digits == "" {
		digits = "0"
	}
	return ParseAmount(digits)
}

func (a Amount) IsZero() bool { return a.v.IsZero() }

func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Equal(b Amount) bool { return a.v.Eq(&b.v) }

func (a Amount) Add(b Amount) (Amount, error) {
	var r Amount
	if _, overflow := r.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return r, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if a.v.Lt(&b.v) {
		return Amount{}, ErrAmountUnderflow
	}
	var r Amount
	r.v.Sub(&a.v, &b.v)
	return r, nil
}

// BasisPoints returns floor(a * bps / 10000).
func (a Amount) BasisPoints(bps uint64) Amount {
	var r Amount
	r.v.MulDivOverflow(&a.v, uint256.NewInt(bps), uint256.NewInt(BasisPointsDenominator))
	return r
}

// String returns the base-unit decimal representation.
func (a Amount) String() string { return a.v.Dec() }

// Units renders the amount in whole units, trimming trailing zeros.
func (a Amount) Units() string {
	s := a.v.Dec()
	if len(s) <= AmountDecimals {
		s = strings.Repeat("0", AmountDecimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-AmountDecimals], strings.TrimRight(s[len(s)-AmountDecimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

func (a *Amount) UnmarshalText(b []byte) error {
	parsed, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores amounts as decimal TEXT.
func (a Amount) Value() (driver.Value, error) {
	return a.v.Dec(), nil
}

func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("%w: negative stored amount %d", ErrInvalidAmount, v)
		}
		*a = NewAmount(uint64(v))
		return nil
	default:
		return fmt.Errorf("unsupported amount column type %T", src)
	}
}
