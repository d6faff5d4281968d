package ledger

import (
	"fmt"
	"math/big"
)

// Amounts are arbitrary-precision integers in the smallest value unit,
// serialized as decimal strings.

// ParseAmount parses a non-negative decimal amount.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidInput)
	}
	a, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q is not a decimal integer", ErrInvalidInput, s)
	}
	if a.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount %q is negative", ErrInvalidInput, s)
	}
	return a, nil
}

// ParsePositiveAmount parses a strictly positive decimal amount.
func ParsePositiveAmount(s string) (*big.Int, error) {
	a, err := ParseAmount(s)
	if err != nil {
		return nil, err
	}
	if a.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return a, nil
}

// RequirePositive rejects nil, zero and negative amounts.
func RequirePositive(a *big.Int) error {
	if a == nil || a.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// FormatAmount renders an amount as a decimal string; nil renders as "0".
func FormatAmount(a *big.Int) string {
	if a == nil {
		return "0"
	}
	return a.String()
}
