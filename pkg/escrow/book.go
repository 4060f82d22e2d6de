package escrow

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// Limits bound the timelock of a new escrow relative to its creation time.
type Limits struct {
	MinTimelock time.Duration
	MaxTimelock time.Duration
}

type orderKey struct {
	hash common.Hash
	side Side
}

// Book is the escrow registry of one ledger. All escrows on the ledger live
// here keyed by derived address; at most one escrow exists per
// (order hash, side).
type Book struct {
	mu      sync.RWMutex
	deriver Deriver
	clock   util.Clock
	limits  Limits

	escrows map[string]*Escrow
	byOrder map[orderKey]string
	// preimages that already resolved an escrow, by hashlock -> address
	spent map[crypto.Hashlock]string
}

func NewBook(deriver Deriver, clock util.Clock, limits Limits) *Book {
	return &Book{
		deriver: deriver,
		clock:   clock,
		limits:  limits,
		escrows: make(map[string]*Escrow),
		byOrder: make(map[orderKey]string),
		spent:   make(map[crypto.Hashlock]string),
	}
}

func (b *Book) AddressOf(im Immutables) string { return b.deriver.AddressOf(im) }

// Create registers a Pending escrow. Identical immutables return the
// existing escrow with created=false. Any other escrow at the same address
// or for the same (order hash, side) is a StateConflict. A destination leg
// must name the timelock of its source leg and expire before it.
func (b *Book) Create(im Immutables, srcTimelock int64) (e *Escrow, created bool, err error) {
	const op = "escrow.Create"
	if err := im.Validate(); err != nil {
		return nil, false, err
	}
	if err := im.CheckAgainstSource(srcTimelock); err != nil {
		return nil, false, err
	}
	addr := b.deriver.AddressOf(im)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.escrows[addr]; ok {
		if !existing.Immutables.Equal(im) {
			return nil, false, errs.StateConflict(op, "escrow %s holds different terms", addr)
		}
		return existing.Clone(), false, nil
	}
	if other, ok := b.byOrder[orderKey{im.OrderHash, im.Side}]; ok {
		return nil, false, errs.StateConflict(op, "order %s already has %s escrow %s", im.OrderHash.Hex(), im.Side, other)
	}

	now := b.clock.Now()
	lock := im.TimelockTime()
	if !lock.After(now) {
		return nil, false, errs.Validation(op, "timelock %d is not in the future", im.Timelock)
	}
	if b.limits.MinTimelock > 0 && lock.Sub(now) < b.limits.MinTimelock {
		return nil, false, errs.Validation(op, "timelock closer than %s", b.limits.MinTimelock)
	}
	if b.limits.MaxTimelock > 0 && lock.Sub(now) > b.limits.MaxTimelock {
		return nil, false, errs.Validation(op, "timelock further than %s", b.limits.MaxTimelock)
	}

	esc := &Escrow{
		Immutables: im,
		Address:    addr,
		State:      StatePending,
		CreatedAt:  now,
	}
	esc.Amount = new(big.Int).Set(im.Amount)
	b.escrows[addr] = esc
	b.byOrder[orderKey{im.OrderHash, im.Side}] = addr
	return esc.Clone(), true, nil
}

func (b *Book) Fund(addr, depositor string) (*Escrow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	esc, err := b.lookup("escrow.Fund", addr)
	if err != nil {
		return nil, err
	}
	if err := esc.Fund(depositor, b.clock.Now()); err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Resolve applies a preimage. A preimage that already resolved a different
// escrow on this ledger is refused.
func (b *Book) Resolve(addr string, secret []byte) (*Escrow, bool, error) {
	const op = "escrow.Resolve"
	b.mu.Lock()
	defer b.mu.Unlock()
	esc, err := b.lookup(op, addr)
	if err != nil {
		return nil, false, err
	}
	if prev, ok := b.spent[esc.Hashlock]; ok && prev != addr && esc.Hashlock.Matches(secret) {
		return nil, false, errs.StateConflict(op, "preimage already used by escrow %s", prev)
	}
	changed, err := esc.Resolve(secret, b.clock.Now())
	if err != nil {
		return nil, false, err
	}
	if changed {
		b.spent[esc.Hashlock] = addr
	}
	return esc.Clone(), changed, nil
}

func (b *Book) Refund(addr string) (*Escrow, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	esc, err := b.lookup("escrow.Refund", addr)
	if err != nil {
		return nil, false, err
	}
	changed, err := esc.Refund(b.clock.Now())
	if err != nil {
		return nil, false, err
	}
	return esc.Clone(), changed, nil
}

func (b *Book) Get(addr string) (*Escrow, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	esc, ok := b.escrows[addr]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (b *Book) ByOrder(orderHash common.Hash, side Side) (*Escrow, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.byOrder[orderKey{orderHash, side}]
	if !ok {
		return nil, false
	}
	return b.escrows[addr].Clone(), true
}

// Funded lists escrows still holding funds, earliest timelock first.
func (b *Book) Funded() []*Escrow {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Escrow
	for _, esc := range b.escrows {
		if esc.State == StateFunded {
			out = append(out, esc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timelock != out[j].Timelock {
			return out[i].Timelock < out[j].Timelock
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.escrows)
}

// Prune drops at most limit settled escrows whose timelock passed more than
// retention ago. The spent-preimage registry is kept.
func (b *Book) Prune(now time.Time, retention time.Duration, limit int) int {
	cutoff := now.Add(-retention).Unix()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for addr, esc := range b.escrows {
		if limit > 0 && n >= limit {
			break
		}
		if !esc.State.Terminal() || esc.Timelock >= cutoff {
			continue
		}
		delete(b.escrows, addr)
		delete(b.byOrder, orderKey{esc.OrderHash, esc.Side})
		n++
	}
	return n
}

func (b *Book) lookup(op, addr string) (*Escrow, error) {
	esc, ok := b.escrows[addr]
	if !ok {
		return nil, errs.Validation(op, "unknown escrow %s", addr)
	}
	return esc, nil
}
