package price

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var ErrFiatConversion = errors.New("fiat conversion failed")

// Converter is the only place where native amounts become fiat cents.
// Callers store the returned cents verbatim and never re-derive them.
type Converter struct {
	oracle Oracle
	pair   Pair
}

func NewConverter(oracle Oracle, pair Pair) *Converter {
	return &Converter{oracle: oracle, pair: pair}
}

// WeiToCents returns round(wei/1e18 * rate, 2) expressed in cents.
func (c *Converter) WeiToCents(ctx context.Context, wei *big.Int) (int64, error) {
	if wei == nil {
		return 0, fmt.Errorf("%w: nil amount", ErrFiatConversion)
	}

	r, err := c.oracle.Rate(ctx, c.pair)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFiatConversion, err)
	}

	fiat := decimal.NewFromBigInt(wei, -18).Mul(r).Round(2)
	return fiat.Shift(2).IntPart(), nil
}
