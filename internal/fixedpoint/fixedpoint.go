package fixedpoint

import (
	"errors"
	"math/big"
	"sync"
)

// Quantities are scaled int64 values. The scale is carried explicitly as a
// DecimalConfig so callers never mix quantities of different precision.
// All intermediate products go through big.Int: multiply first, divide once,
// truncate last, and reject anything that no longer fits in int64.

var (
	// ErrOverflow signals that a computed value exceeds the int64 storage
	// width. The enclosing operation must abort without committing state.
	ErrOverflow = errors.New("fixedpoint: value overflows int64")

	// ErrInvalidPrice signals a conversion against a zero price.
	ErrInvalidPrice = errors.New("fixedpoint: price is zero")

	// ErrNegative signals a negative input where only non-negative
	// quantities are meaningful (balances, shares, prices).
	ErrNegative = errors.New("fixedpoint: negative quantity")
)

// DecimalConfig defines a fixed-point precision.
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

// NewDecimalConfig builds a config for the given number of decimal places.
func NewDecimalConfig(decimals int) DecimalConfig {
	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	return DecimalConfig{DecimalPrecision: decimals, Scale: scale}
}

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// mulDivFloor computes floor(a * b / d) with a widened intermediate.
// Floor division always favors the pool over the individual: rounding up
// anywhere in share math would let repeated mint/redeem cycles leak value.
func mulDivFloor(a, b, d int64) (int64, error) {
	if d == 0 {
		return 0, ErrInvalidPrice
	}
	num := getInt()
	defer putInt(num)

	tmp := getInt()
	defer putInt(tmp)

	num.SetInt64(a)
	tmp.SetInt64(b)
	num.Mul(num, tmp)
	tmp.SetInt64(d)
	num.Quo(num, tmp)

	if !num.IsInt64() {
		return 0, ErrOverflow
	}
	return num.Int64(), nil
}

// PricePerShare returns the asset value of one share unit, scaled by cfg.
// A vault with zero shares outstanding prices at exactly parity (10^D):
// there is nobody to dilute, and it avoids dividing by zero.
func PricePerShare(totalShares, totalValue int64, cfg DecimalConfig) (int64, error) {
	if totalShares < 0 || totalValue < 0 {
		return 0, ErrNegative
	}
	if totalShares == 0 {
		return cfg.Scale, nil
	}
	return mulDivFloor(totalValue, cfg.Scale, totalShares)
}

// AssetToShares converts an asset value to share units at the given price.
func AssetToShares(value, price int64, cfg DecimalConfig) (int64, error) {
	if value < 0 || price < 0 {
		return 0, ErrNegative
	}
	if price == 0 {
		return 0, ErrInvalidPrice
	}
	return mulDivFloor(value, cfg.Scale, price)
}

// SharesToAsset converts share units to an asset value at the given price.
func SharesToAsset(shares, price int64, cfg DecimalConfig) (int64, error) {
	if shares < 0 || price < 0 {
		return 0, ErrNegative
	}
	return mulDivFloor(shares, price, cfg.Scale)
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum > 0) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a - b or ErrOverflow.
func CheckedSub(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, ErrOverflow
	}
	return diff, nil
}

// PctOf returns floor(value * pct / (100 * pctScale)) where pct is a
// percentage scaled by pctScale (e.g. pct=1_000_000, pctScale=100_000 is 10%).
func PctOf(value, pct, pctScale int64) (int64, error) {
	if value < 0 || pct < 0 || pctScale <= 0 {
		return 0, ErrNegative
	}
	return mulDivFloor(value, pct, 100*pctScale)
}
