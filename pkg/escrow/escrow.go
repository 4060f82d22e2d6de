package escrow

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
)

// Side is the role an escrow plays in a two-leg swap.
type Side uint8

const (
	SideSource Side = iota + 1
	SideDestination
)

func (s Side) String() string {
	switch s {
	case SideSource:
		return "src"
	case SideDestination:
		return "dst"
	default:
		return "unknown"
	}
}

// State of an HTLC instance. Transitions only move forward:
// Pending -> Funded -> Resolved | Refunded.
type State uint8

const (
	StatePending State = iota
	StateFunded
	StateResolved
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFunded:
		return "funded"
	case StateResolved:
		return "resolved"
	case StateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateResolved || s == StateRefunded }

// Immutables are fixed at creation. Token, Amount, Recipient, Hashlock and
// Timelock determine the escrow address.
type Immutables struct {
	OrderHash common.Hash     `json:"orderHash"` // swap hash of the fill this leg executes
	Side      Side            `json:"side"`
	Token     string          `json:"token"`
	Amount    *big.Int        `json:"amount"`
	Recipient string          `json:"recipient"`
	Hashlock  crypto.Hashlock `json:"hashlock"`
	Timelock  int64           `json:"timelock"` // unix seconds
}

// Validate applies the reject-at-creation checks that do not depend on time.
func (im Immutables) Validate() error {
	const op = "escrow.Validate"
	switch {
	case im.OrderHash == (common.Hash{}):
		return errs.Validation(op, "order hash is empty")
	case im.Token == "":
		return errs.Validation(op, "token is empty")
	case im.Recipient == "":
		return errs.Validation(op, "recipient is empty")
	case im.Amount == nil || im.Amount.Sign() <= 0:
		return errs.Validation(op, "amount must be positive")
	case im.Hashlock.IsZero():
		return errs.Validation(op, "hashlock is empty")
	case im.Timelock <= 0:
		return errs.Validation(op, "timelock must be positive")
	case im.Side != SideSource && im.Side != SideDestination:
		return errs.Validation(op, "unknown side %d", im.Side)
	}
	return nil
}

// Equal compares every immutable field.
func (im Immutables) Equal(o Immutables) bool {
	return im.OrderHash == o.OrderHash &&
		im.Side == o.Side &&
		im.Token == o.Token &&
		im.Recipient == o.Recipient &&
		im.Hashlock == o.Hashlock &&
		im.Timelock == o.Timelock &&
		im.Amount != nil && o.Amount != nil && im.Amount.Cmp(o.Amount) == 0
}

func (im Immutables) TimelockTime() time.Time { return time.Unix(im.Timelock, 0) }

// CheckAgainstSource rejects a destination leg that does not expire strictly
// before the source leg it answers. srcTimelock is ignored for source legs.
func (im Immutables) CheckAgainstSource(srcTimelock int64) error {
	const op = "escrow.CheckAgainstSource"
	if im.Side != SideDestination {
		return nil
	}
	if srcTimelock <= 0 {
		return errs.Validation(op, "destination escrow needs the source timelock")
	}
	if im.Timelock >= srcTimelock {
		return errs.Validation(op, "destination timelock %d not before source timelock %d", im.Timelock, srcTimelock)
	}
	return nil
}

// Escrow is one HTLC instance on one ledger.
type Escrow struct {
	Immutables
	Address   string         `json:"address"`
	Depositor string         `json:"depositor,omitempty"`
	State     State          `json:"state"`
	Secret    *crypto.Secret `json:"secret,omitempty"` // public once resolved
	CreatedAt time.Time      `json:"createdAt"`
	FundedAt  time.Time      `json:"fundedAt,omitempty"`
	SettledAt time.Time      `json:"settledAt,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (e *Escrow) Clone() *Escrow {
	out := *e
	if e.Amount != nil {
		out.Amount = new(big.Int).Set(e.Amount)
	}
	if e.Secret != nil {
		s := *e.Secret
		out.Secret = &s
	}
	return &out
}

func (e *Escrow) String() string {
	return fmt.Sprintf("escrow(%s %s %s %s)", e.Side, e.Address, e.State, e.Amount)
}

// Fund moves Pending -> Funded and records who deposited.
func (e *Escrow) Fund(depositor string, now time.Time) error {
	const op = "escrow.Fund"
	if depositor == "" {
		return errs.Validation(op, "depositor is empty")
	}
	if e.State != StatePending {
		return errs.StateConflict(op, "escrow is %s", e.State)
	}
	if now.Unix() >= e.Timelock {
		return errs.Timing(op, "timelock %d already passed", e.Timelock)
	}
	e.Depositor = depositor
	e.State = StateFunded
	e.FundedAt = now
	return nil
}

// Resolve releases the escrow to the recipient. It reports changed=false
// when the escrow was already resolved with this secret, so callers never
// pay twice.
func (e *Escrow) Resolve(secret []byte, now time.Time) (changed bool, err error) {
	const op = "escrow.Resolve"
	if !e.Hashlock.Matches(secret) {
		return false, errs.SecretMismatch(op, "preimage does not match hashlock %s", e.Hashlock.Hex())
	}
	if e.State == StateResolved && e.Secret != nil && bytes.Equal(e.Secret[:], secret) {
		return false, nil
	}
	if e.State != StateFunded {
		return false, errs.StateConflict(op, "escrow is %s", e.State)
	}
	if now.Unix() > e.Timelock {
		return false, errs.Timing(op, "timelock %d passed at %d", e.Timelock, now.Unix())
	}
	var s crypto.Secret
	copy(s[:], secret)
	e.Secret = &s
	e.State = StateResolved
	e.SettledAt = now
	return true, nil
}

// Refund returns the deposit once the timelock has passed. A repeated call
// after success reports changed=false.
func (e *Escrow) Refund(now time.Time) (changed bool, err error) {
	const op = "escrow.Refund"
	if e.State == StateRefunded {
		return false, nil
	}
	if now.Unix() <= e.Timelock {
		return false, errs.Timing(op, "timelock not reached")
	}
	if e.State != StateFunded {
		return false, errs.StateConflict(op, "escrow is %s", e.State)
	}
	e.State = StateRefunded
	e.SettledAt = now
	return true, nil
}

// Ref points at an escrow on a named ledger. The sweeper scans these.
type Ref struct {
	Chain    string      `json:"chain"`
	Address  string      `json:"address"`
	SwapHash common.Hash `json:"swapHash"`
	Side     Side        `json:"side"`
	Timelock int64       `json:"timelock"`
}
