package lending

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "P2PLend-Chain/internal/errors"
)

// PrincipalDecimals is the fixed scale of offer principals.
const PrincipalDecimals uint8 = 18

// ToBaseUnits converts a human-readable token amount into integer base
// units: amount × 10^decimals, exactly. Negative amounts, non-numeric input
// and amounts with more fractional digits than decimals are rejected.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, invalidAmount(amount, "amount is empty")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, invalidAmount(amount, "amount is not a decimal number")
	}
	if d.Sign() < 0 {
		return nil, invalidAmount(amount, "amount is negative")
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, invalidAmount(amount, "amount has more fractional digits than the token supports")
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits renders base units as a decimal string without trailing
// zeros.
func FromBaseUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}

func invalidAmount(amount, message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message, xerrors.WithMetadata("amount", amount))
}
