package resolver

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Allocator sizes a resolver's slice of an order. Preferring small slices
// leaves room for other resolvers to compete on the rest.
type Allocator struct {
	Preferred decimal.Decimal // share of remaining to aim for
	MaxRatio  decimal.Decimal // largest share of remaining to take
}

// Allocate returns
//
//	clamp(floor(remaining*Preferred), minFill, min(floor(remaining*MaxRatio), ceiling, remaining))
//
// or zero when no legal fill fits. A nil ceiling means unlimited capital.
// When remaining is below minFill the only legal fill is all of remaining.
func (a Allocator) Allocate(remaining, minFill, ceiling *big.Int) *big.Int {
	if remaining == nil || remaining.Sign() <= 0 {
		return new(big.Int)
	}
	if minFill == nil {
		minFill = new(big.Int)
	}
	if remaining.Cmp(minFill) < 0 {
		if ceiling == nil || ceiling.Cmp(remaining) >= 0 {
			return new(big.Int).Set(remaining)
		}
		return new(big.Int)
	}

	upper := share(remaining, a.MaxRatio)
	if ceiling != nil && ceiling.Cmp(upper) < 0 {
		upper = new(big.Int).Set(ceiling)
	}
	if upper.Cmp(remaining) > 0 {
		upper = new(big.Int).Set(remaining)
	}
	if upper.Cmp(minFill) < 0 {
		return new(big.Int)
	}

	out := share(remaining, a.Preferred)
	if out.Cmp(minFill) < 0 {
		out.Set(minFill)
	}
	if out.Cmp(upper) > 0 {
		out.Set(upper)
	}
	return out
}

// share is floor(x*ratio) in minimal units.
func share(x *big.Int, ratio decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(x, 0).Mul(ratio).Floor().BigInt()
}
