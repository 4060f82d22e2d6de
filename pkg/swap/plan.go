package swap

import (
	"strings"
	"time"

	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
)

// Plan is the pair of escrows a fill needs, checked before either exists.
type Plan struct {
	Src    escrow.Immutables
	Dst    escrow.Immutables
	MinGap time.Duration
}

// Validate enforces the atomicity rule: the destination leg expires
// strictly before the source leg, by at least MinGap, so the resolver can
// always claim the source after the secret appears on the destination.
func (p Plan) Validate() error {
	const op = "swap.Plan"
	if err := p.Src.Validate(); err != nil {
		return err
	}
	if err := p.Dst.Validate(); err != nil {
		return err
	}
	switch {
	case p.Src.Side != escrow.SideSource || p.Dst.Side != escrow.SideDestination:
		return errs.Validation(op, "legs have sides %s/%s", p.Src.Side, p.Dst.Side)
	case p.Src.Hashlock != p.Dst.Hashlock:
		return errs.Validation(op, "legs use different hashlocks")
	case p.Src.OrderHash != p.Dst.OrderHash:
		return errs.Validation(op, "legs belong to different swaps")
	case p.Dst.Timelock >= p.Src.Timelock:
		return errs.Validation(op, "destination timelock %d must be before source timelock %d", p.Dst.Timelock, p.Src.Timelock)
	case time.Duration(p.Src.Timelock-p.Dst.Timelock)*time.Second < p.MinGap:
		return errs.Validation(op, "timelock gap %ds below minimum %s", p.Src.Timelock-p.Dst.Timelock, p.MinGap)
	}
	return nil
}

// sameTerms compares immutables as a ledger reports them. Account and token
// ids are compared case-insensitively since EVM ledgers checksum them.
func sameTerms(want, got escrow.Immutables) bool {
	return want.OrderHash == got.OrderHash &&
		want.Side == got.Side &&
		strings.EqualFold(want.Token, got.Token) &&
		strings.EqualFold(want.Recipient, got.Recipient) &&
		want.Hashlock == got.Hashlock &&
		want.Timelock == got.Timelock &&
		want.Amount != nil && got.Amount != nil && want.Amount.Cmp(got.Amount) == 0
}
