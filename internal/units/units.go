// Package units converts between on-chain fixed-point integers and the decimal
// strings and calendar times shown to users. Every conversion is exact.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of fractional digits of the native currency.
const EtherDecimals int32 = 18

var (
	ErrInvalidAmount = errors.New("invalid decimal amount")
	ErrPrecision     = errors.New("amount exceeds supported precision")
	ErrOutOfRange    = errors.New("value out of range")
)

// ParseUnits converts a non-negative decimal string such as "1.25" into its
// integer representation with the given number of fractional digits.
func ParseUnits(value string, decimals int32) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if !isPlainDecimal(value) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if dot := strings.IndexByte(value, '.'); dot >= 0 && int32(len(value)-dot-1) > decimals {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrPrecision, value, decimals)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return d.Shift(decimals).BigInt(), nil
}

// FormatUnits renders an integer amount as a decimal string without trailing
// zeros. A nil amount formats as "0".
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ParseEther is ParseUnits with 18 decimals.
func ParseEther(value string) (*big.Int, error) {
	return ParseUnits(value, EtherDecimals)
}

// FormatEther is FormatUnits with 18 decimals.
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, EtherDecimals)
}

// BasisPointsToPercent divides by 100 on the integer representation, so 250
// becomes "2.5" and 1 becomes "0.01".
func BasisPointsToPercent(bps *big.Int) string {
	return FormatUnits(bps, 2)
}

// Uint64 narrows an on-chain counter.
func Uint64(v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit in uint64", ErrOutOfRange, v)
	}
	return v.Uint64(), nil
}

// Time converts a unix timestamp in seconds to UTC.
func Time(v *big.Int) (time.Time, error) {
	if v == nil {
		return time.Time{}, nil
	}
	if !v.IsInt64() {
		return time.Time{}, fmt.Errorf("%w: timestamp %s", ErrOutOfRange, v)
	}
	return time.Unix(v.Int64(), 0).UTC(), nil
}

// OptionalTime is Time for fields where zero means "not set".
func OptionalTime(v *big.Int) (*time.Time, error) {
	if v == nil || v.Sign() == 0 {
		return nil, nil
	}
	t, err := Time(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Unix converts a calendar time to the contract representation. The zero
// time maps to 0.
func Unix(t time.Time) *big.Int {
	if t.IsZero() {
		return new(big.Int)
	}
	return big.NewInt(t.Unix())
}

func isPlainDecimal(s string) bool {
	if s == "" {
		return false
	}
	digits, dot := 0, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !dot && digits > 0 && i < len(s)-1:
			dot = true
		default:
			return false
		}
	}
	return digits > 0
}
