package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

type allowanceKey struct {
	owner, spender, token string
}

// Ledger is an in-process ledger hosting the escrow book of one chain. It
// executes a transaction when it is submitted: a transaction that would
// revert is rejected by Submit with its classified error and never gets a
// hash. Resubmitting an accepted transaction returns the same hash.
type Ledger struct {
	name  string
	book  *escrow.Book
	auth  Authenticator
	clock util.Clock
	log   *zap.SugaredLogger

	mu         sync.Mutex
	balances   map[string]map[string]*big.Int // account -> token -> units
	allowances map[allowanceKey]*big.Int
	receipts   map[TxHash]*Receipt
	height     uint64
}

func NewLedger(name string, deriver escrow.Deriver, auth Authenticator, clock util.Clock, limits escrow.Limits, log *zap.SugaredLogger) *Ledger {
	return &Ledger{
		name:       name,
		book:       escrow.NewBook(deriver, clock, limits),
		auth:       auth,
		clock:      clock,
		log:        log.With("chain", name),
		balances:   make(map[string]map[string]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		receipts:   make(map[TxHash]*Receipt),
	}
}

func (l *Ledger) Name() string { return l.name }

func (l *Ledger) AddressOf(im escrow.Immutables) string { return l.book.AddressOf(im) }

func (l *Ledger) Now(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, errs.Wrap(errs.KindExternal, "chain.Now", err)
	}
	return l.clock.Now(), nil
}

// Mint credits units of token to account. Devnet faucet and tests only.
func (l *Ledger) Mint(account, token string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(l.auth.Normalize(account), token, amount)
}

func (l *Ledger) Balance(account, token string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceOf(l.auth.Normalize(account), token))
}

func (l *Ledger) Allowance(owner, spender, token string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := allowanceKey{l.auth.Normalize(owner), l.auth.Normalize(spender), token}
	if a, ok := l.allowances[k]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Funded lists escrows on this ledger still holding funds.
func (l *Ledger) Funded() []*escrow.Escrow { return l.book.Funded() }

// Prune forgets settled escrows whose timelock passed more than retention ago.
func (l *Ledger) Prune(now time.Time, retention time.Duration, limit int) int {
	return l.book.Prune(now, retention, limit)
}

func (l *Ledger) QueryState(ctx context.Context, address string) (*escrow.Escrow, error) {
	const op = "chain.QueryState"
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindExternal, op, err)
	}
	esc, ok := l.book.Get(address)
	if !ok {
		return nil, errs.Wrap(errs.KindValidation, op, ErrNotFound)
	}
	return esc, nil
}

func (l *Ledger) Submit(ctx context.Context, tx *Tx) (TxHash, error) {
	const op = "chain.Submit"
	if err := ctx.Err(); err != nil {
		return TxHash{}, errs.Wrap(errs.KindExternal, op, err)
	}
	if tx.Chain != l.name {
		return TxHash{}, errs.Validation(op, "tx for chain %q submitted to %q", tx.Chain, l.name)
	}
	if !l.auth.Verify(tx.From, tx.Payload(), tx.Signature) {
		return TxHash{}, errs.Validation(op, "bad signature from %s", tx.From)
	}
	h := tx.Hash()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.receipts[h]; ok {
		return h, nil
	}

	var (
		esc *escrow.Escrow
		err error
	)
	switch tx.Kind {
	case TxCreate:
		esc, _, err = l.book.Create(tx.Escrow, tx.SrcTimelock)
	case TxFund:
		esc, err = l.fund(tx)
	case TxResolve:
		esc, err = l.resolve(tx)
	case TxRefund:
		esc, err = l.refund(tx)
	case TxApprove:
		err = l.approve(tx)
	default:
		err = errs.Validation(op, "unknown tx kind %d", tx.Kind)
	}
	if err != nil {
		l.log.Debugw("tx_rejected", "kind", tx.Kind.String(), "from", tx.From, "err", err)
		return TxHash{}, err
	}

	l.height++
	l.receipts[h] = &Receipt{TxHash: h, Status: ReceiptSuccess, Block: l.height, Escrow: esc}
	l.log.Debugw("tx_applied", "kind", tx.Kind.String(), "tx", h.Hex(), "block", l.height)
	return h, nil
}

func (l *Ledger) Confirm(ctx context.Context, h TxHash) (*Receipt, error) {
	const op = "chain.Confirm"
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindExternal, op, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[h]
	if !ok {
		return nil, errs.External(op, "no receipt for %s", h.Hex())
	}
	out := *r
	if r.Escrow != nil {
		out.Escrow = r.Escrow.Clone()
	}
	return &out, nil
}

// fund locks the escrow amount from the depositor. A depositor other than
// the sender must have approved the sender for at least that amount.
func (l *Ledger) fund(tx *Tx) (*escrow.Escrow, error) {
	const op = "chain.Fund"
	esc, ok := l.book.Get(tx.Address)
	if !ok {
		return nil, errs.Wrap(errs.KindValidation, op, ErrNotFound)
	}
	if esc.State != escrow.StatePending {
		return nil, errs.StateConflict(op, "escrow is %s", esc.State)
	}
	from := l.auth.Normalize(tx.From)
	depositor := from
	if tx.Depositor != "" {
		depositor = l.auth.Normalize(tx.Depositor)
	}

	var ak allowanceKey
	if depositor != from {
		ak = allowanceKey{depositor, from, esc.Token}
		if a, ok := l.allowances[ak]; !ok || a.Cmp(esc.Amount) < 0 {
			return nil, errs.Validation(op, "%s has no allowance from %s for %s", from, depositor, esc.Amount)
		}
	}
	if l.balanceOf(depositor, esc.Token).Cmp(esc.Amount) < 0 {
		return nil, errs.Validation(op, "insufficient %s balance for %s", esc.Token, depositor)
	}

	funded, err := l.book.Fund(tx.Address, depositor)
	if err != nil {
		return nil, err
	}
	l.debit(depositor, esc.Token, esc.Amount)
	if depositor != from {
		l.allowances[ak].Sub(l.allowances[ak], esc.Amount)
	}
	return funded, nil
}

func (l *Ledger) resolve(tx *Tx) (*escrow.Escrow, error) {
	esc, changed, err := l.book.Resolve(tx.Address, tx.Secret)
	if err != nil {
		return nil, err
	}
	if changed {
		l.credit(l.auth.Normalize(esc.Recipient), esc.Token, esc.Amount)
	}
	return esc, nil
}

func (l *Ledger) refund(tx *Tx) (*escrow.Escrow, error) {
	esc, changed, err := l.book.Refund(tx.Address)
	if err != nil {
		return nil, err
	}
	if changed {
		l.credit(esc.Depositor, esc.Token, esc.Amount)
	}
	return esc, nil
}

func (l *Ledger) approve(tx *Tx) error {
	if tx.Spender == "" || tx.Token == "" || tx.Amount == nil || tx.Amount.Sign() < 0 {
		return errs.Validation("chain.Approve", "approve needs spender, token and a non-negative amount")
	}
	k := allowanceKey{l.auth.Normalize(tx.From), l.auth.Normalize(tx.Spender), tx.Token}
	l.allowances[k] = new(big.Int).Set(tx.Amount)
	return nil
}

func (l *Ledger) balanceOf(account, token string) *big.Int {
	if b, ok := l.balances[account][token]; ok {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) credit(account, token string, amount *big.Int) {
	m, ok := l.balances[account]
	if !ok {
		m = make(map[string]*big.Int)
		l.balances[account] = m
	}
	if _, ok := m[token]; !ok {
		m[token] = new(big.Int)
	}
	m[token].Add(m[token], amount)
}

func (l *Ledger) debit(account, token string, amount *big.Int) {
	b := l.balances[account][token]
	b.Sub(b, amount)
}

var _ Adapter = (*Ledger)(nil)
