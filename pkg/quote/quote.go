// Package quote prices assets for the resolver's profitability check. Quotes
// only size fills; nothing about swap correctness depends on them.
package quote

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// Quote is the price of one whole unit of Asset in Vs.
type Quote struct {
	Asset    string
	Vs       string
	Price    decimal.Decimal
	Decimals int32 // minimal units per whole unit, as a power of ten
	At       time.Time
}

// Value prices an amount given in minimal units.
func (q Quote) Value(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -q.Decimals).Mul(q.Price)
}

type Source interface {
	Price(ctx context.Context, asset, vs string) (Quote, error)
}

// Guard rejects quotes older than MaxAge.
type Guard struct {
	Source Source
	MaxAge time.Duration
	Clock  util.Clock
}

func (g Guard) Price(ctx context.Context, asset, vs string) (Quote, error) {
	q, err := g.Source.Price(ctx, asset, vs)
	if err != nil {
		return Quote{}, err
	}
	if age := g.Clock.Now().Sub(q.At); g.MaxAge > 0 && age > g.MaxAge {
		return Quote{}, errs.External("quote.Guard", "%s/%s quote is %s old", asset, vs, age.Truncate(time.Second))
	}
	return q, nil
}

// Static serves fixed prices stamped with the clock's current time.
type Static struct {
	mu     sync.RWMutex
	clock  util.Clock
	quotes map[string]Quote
}

func NewStatic(clock util.Clock) *Static {
	return &Static{clock: clock, quotes: make(map[string]Quote)}
}

func (s *Static) Set(asset string, price decimal.Decimal, decimals int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[asset] = Quote{Asset: asset, Price: price, Decimals: decimals}
}

func (s *Static) Price(_ context.Context, asset, vs string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[asset]
	if !ok {
		return Quote{}, errs.Validation("quote.Static", "no price for %s", asset)
	}
	q.Vs = vs
	q.At = s.clock.Now()
	return q, nil
}
