package orderbook

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/metrics"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// ErrOrderNotFound is wrapped as a validation error for unknown order hashes.
var ErrOrderNotFound = errors.New("order not found")

// Store is the durable side of the book. CommitFill must write the updated
// order and the fill record atomically.
type Store interface {
	SaveOrder(o *Order) error
	LoadOrders() ([]*Order, error)
	CommitFill(o *Order, f *FillRecord) error
	LoadFills(orderHash common.Hash) ([]*FillRecord, error)
	SaveAllowed(addr common.Address, allowed bool) error
	LoadAllowList() ([]common.Address, error)
}

// Book is the single serialization point for fill acceptance. Every state
// change is written to the store before it becomes visible in memory, so
// the first durably recorded fill wins.
type Book struct {
	mu      sync.Mutex
	store   Store
	eip712  *crypto.EIP712Signer
	clock   util.Clock
	cfg     params.Book
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	orders map[common.Hash]*Order
	fills  map[common.Hash][]*FillRecord
	allow  map[common.Address]struct{}

	lmu            sync.RWMutex
	orderListeners []func(*Order)
	fillListeners  []func(*Order, *FillRecord)
}

// New restores the book from store.
func New(store Store, eip712 *crypto.EIP712Signer, clock util.Clock, cfg params.Book, log *zap.SugaredLogger, m *metrics.Metrics) (*Book, error) {
	b := &Book{
		store:   store,
		eip712:  eip712,
		clock:   clock,
		cfg:     cfg,
		log:     log,
		metrics: m,
		orders:  make(map[common.Hash]*Order),
		fills:   make(map[common.Hash][]*FillRecord),
		allow:   make(map[common.Address]struct{}),
	}

	orders, err := store.LoadOrders()
	if err != nil {
		return nil, errs.Wrap(errs.KindExternal, "orderbook.New", err)
	}
	for _, o := range orders {
		b.orders[o.Hash] = o
		fills, err := store.LoadFills(o.Hash)
		if err != nil {
			return nil, errs.Wrap(errs.KindExternal, "orderbook.New", err)
		}
		b.fills[o.Hash] = fills
	}
	allowed, err := store.LoadAllowList()
	if err != nil {
		return nil, errs.Wrap(errs.KindExternal, "orderbook.New", err)
	}
	for _, a := range allowed {
		b.allow[a] = struct{}{}
	}
	b.metrics.SetOpenOrders(b.countOpen())
	return b, nil
}

// OnOrder registers fn for new and updated orders. Listeners run outside
// the book lock.
func (b *Book) OnOrder(fn func(*Order)) {
	b.lmu.Lock()
	b.orderListeners = append(b.orderListeners, fn)
	b.lmu.Unlock()
}

func (b *Book) OnFill(fn func(*Order, *FillRecord)) {
	b.lmu.Lock()
	b.fillListeners = append(b.fillListeners, fn)
	b.lmu.Unlock()
}

// PlaceOrder verifies the maker's signature and opens the order. Placing an
// order that is already known returns the stored copy.
func (b *Book) PlaceOrder(o *Order) (*Order, error) {
	const op = "orderbook.PlaceOrder"
	if err := b.validateOrder(op, o); err != nil {
		return nil, err
	}
	hash, err := b.eip712.HashOrder(o.TypedData())
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}
	recovered, err := crypto.RecoverAddress(hash.Bytes(), o.Signature)
	if err != nil || recovered != o.Maker {
		return nil, errs.Validation(op, "signature does not match maker %s", o.Maker.Hex())
	}

	b.mu.Lock()
	if existing, ok := b.orders[hash]; ok {
		out := existing.Clone()
		b.mu.Unlock()
		return out, nil
	}
	placed := o.Clone()
	placed.Hash = hash
	placed.Remaining = new(big.Int).Set(o.MakingAmount)
	placed.FillCount = 0
	placed.Resolvers = nil
	placed.Status = StatusOpen
	placed.CreatedAt = b.clock.Now()
	placed.ClosedAt = time.Time{}
	if err := b.store.SaveOrder(placed); err != nil {
		b.mu.Unlock()
		return nil, errs.Wrap(errs.KindExternal, op, err)
	}
	b.orders[hash] = placed
	b.fills[hash] = nil
	open := b.countOpen()
	out := placed.Clone()
	b.mu.Unlock()

	b.metrics.IncOrderPlaced()
	b.metrics.SetOpenOrders(open)
	b.log.Infow("order_placed", "order", hash.Hex(), "maker", o.Maker.Hex(),
		"making", o.MakingAmount.String(), "taking", o.TakingAmount.String(),
		"src", o.SrcChain, "dst", o.DstChain, "partial", o.PartialFills)
	b.emitOrder(out)
	return out, nil
}

func (b *Book) validateOrder(op string, o *Order) error {
	now := b.clock.Now().Unix()
	switch {
	case o == nil:
		return errs.Validation(op, "order is nil")
	case o.MakingAmount == nil || o.MakingAmount.Sign() <= 0:
		return errs.Validation(op, "making amount must be positive")
	case o.TakingAmount == nil || o.TakingAmount.Sign() <= 0:
		return errs.Validation(op, "taking amount must be positive")
	case o.MinFillAmount == nil || o.MinFillAmount.Sign() < 0:
		return errs.Validation(op, "min fill amount must not be negative")
	case o.MinFillAmount.Cmp(o.MakingAmount) > 0:
		return errs.Validation(op, "min fill amount exceeds making amount")
	case o.Nonce == nil:
		return errs.Validation(op, "nonce is required")
	case o.Deadline <= now:
		return errs.Validation(op, "deadline %d already passed", o.Deadline)
	case o.SrcChain == "" || o.DstChain == "" || o.SrcChain == o.DstChain:
		return errs.Validation(op, "source and destination chains must differ")
	case o.MakerAsset == "" || o.TakerAsset == "":
		return errs.Validation(op, "assets are required")
	case o.SrcAccount == "" || o.Receiver == "":
		return errs.Validation(op, "source account and receiver are required")
	case len(o.Signature) == 0:
		return errs.Validation(op, "signature is required")
	case len(o.Hashlocks) == 0:
		return errs.Validation(op, "order commits to no hashlock")
	case !o.PartialFills && len(o.Hashlocks) != 1:
		return errs.Validation(op, "a single-fill order carries exactly one hashlock, got %d", len(o.Hashlocks))
	case b.cfg.MaxPartialFills > 0 && len(o.Hashlocks) > b.cfg.MaxPartialFills:
		return errs.Validation(op, "%d hashlocks exceed the %d fill limit", len(o.Hashlocks), b.cfg.MaxPartialFills)
	}
	seen := make(map[crypto.Hashlock]struct{}, len(o.Hashlocks))
	for i, h := range o.Hashlocks {
		if h.IsZero() {
			return errs.Validation(op, "hashlock %d is empty", i)
		}
		if _, dup := seen[h]; dup {
			return errs.Validation(op, "hashlock %d repeats an earlier one", i)
		}
		seen[h] = struct{}{}
	}
	return nil
}

func (b *Book) GetOrder(hash common.Hash) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[hash]
	if !ok {
		return nil, errs.Wrap(errs.KindValidation, "orderbook.GetOrder", ErrOrderNotFound)
	}
	return o.Clone(), nil
}

// ListOpenOrders returns open orders, oldest first.
func (b *Book) ListOpenOrders() []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Order
	for _, o := range b.orders {
		if o.IsOpen() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Hash.Hex() < out[j].Hash.Hex()
	})
	return out
}

// Fills returns the fill history of an order in acceptance order.
func (b *Book) Fills(hash common.Hash) []*FillRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	fills := b.fills[hash]
	out := make([]*FillRecord, len(fills))
	for i, f := range fills {
		out[i] = f.Clone()
	}
	return out
}

// SubmitFill records a fill of amount maker-asset units by resolver.
func (b *Book) SubmitFill(hash common.Hash, resolver common.Address, amount *big.Int) (*FillRecord, error) {
	return b.submitFill(hash, resolver, amount, nil)
}

// SubmitFillExpecting is SubmitFill guarded by the remaining amount the
// caller sized its fill against. If another fill landed in between, the
// call fails with StateConflict and the caller must re-read the order.
func (b *Book) SubmitFillExpecting(hash common.Hash, resolver common.Address, amount, expectedRemaining *big.Int) (*FillRecord, error) {
	return b.submitFill(hash, resolver, amount, expectedRemaining)
}

func (b *Book) submitFill(hash common.Hash, resolver common.Address, amount, expected *big.Int) (*FillRecord, error) {
	const op = "orderbook.SubmitFill"

	b.mu.Lock()
	order, rec, err := b.acceptLocked(op, hash, resolver, amount, expected)
	b.mu.Unlock()

	if err != nil {
		b.metrics.IncFillRejected(errs.KindOf(err).String())
		b.log.Debugw("fill_rejected", "order", hash.Hex(), "resolver", resolver.Hex(),
			"amount", amountString(amount), "kind", errs.KindOf(err).String(), "err", err)
		return nil, err
	}

	b.metrics.IncFillAccepted()
	if !order.IsOpen() {
		b.metrics.SetOpenOrders(b.openCount())
	}
	b.log.Infow("fill_accepted", "order", hash.Hex(), "index", rec.Index, "resolver", resolver.Hex(),
		"amount", rec.FillAmount.String(), "counter", rec.CounterAmount.String(),
		"remaining", order.Remaining.String(), "status", order.Status.String())
	b.emitFill(order, rec)
	return rec.Clone(), nil
}

func (b *Book) acceptLocked(op string, hash common.Hash, resolver common.Address, amount, expected *big.Int) (*Order, *FillRecord, error) {
	if _, ok := b.allow[resolver]; !ok {
		return nil, nil, errs.Validation(op, "resolver %s is not allowed", resolver.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, errs.Validation(op, "fill amount must be positive")
	}
	cur, ok := b.orders[hash]
	if !ok {
		return nil, nil, errs.Wrap(errs.KindValidation, op, ErrOrderNotFound)
	}
	now := b.clock.Now()
	if !cur.IsOpen() {
		return nil, nil, errs.StateConflict(op, "order is %s", cur.Status)
	}
	if now.Unix() > cur.Deadline {
		return nil, nil, errs.StateConflict(op, "order deadline passed")
	}
	if expected != nil && expected.Cmp(cur.Remaining) != 0 {
		return nil, nil, errs.StateConflict(op, "remaining is %s, fill was sized for %s", cur.Remaining, expected)
	}
	if amount.Cmp(cur.Remaining) > 0 {
		return nil, nil, errs.StateConflict(op, "fill %s exceeds remaining %s", amount, cur.Remaining)
	}
	terminal := amount.Cmp(cur.Remaining) == 0
	if !terminal && amount.Cmp(cur.MinFillAmount) < 0 {
		return nil, nil, errs.Validation(op, "fill %s below minimum %s", amount, cur.MinFillAmount)
	}
	if b.cfg.MaxPartialFills > 0 && cur.FillCount >= b.cfg.MaxPartialFills {
		return nil, nil, errs.StateConflict(op, "order reached %d fills", b.cfg.MaxPartialFills)
	}
	index := uint32(cur.FillCount)
	hashlock, ok := cur.HashlockFor(index)
	if !ok {
		return nil, nil, errs.StateConflict(op, "order used all %d hashlocks", len(cur.Hashlocks))
	}
	if !cur.PartialFills && amount.Cmp(cur.MakingAmount) != 0 {
		return nil, nil, errs.Validation(op, "order does not allow partial fills")
	}

	next := cur.Clone()
	next.Remaining.Sub(next.Remaining, amount)
	next.FillCount++
	if !next.hasResolver(resolver) {
		next.Resolvers = append(next.Resolvers, resolver)
	}
	if next.Remaining.Sign() == 0 {
		next.Status = StatusFilled
		next.ClosedAt = now
	}
	rec := &FillRecord{
		OrderHash:     hash,
		Index:         index,
		SwapHash:      crypto.SwapHash(hash, index),
		Hashlock:      hashlock,
		Resolver:      resolver,
		FillAmount:    new(big.Int).Set(amount),
		CounterAmount: cur.CounterAmount(amount),
		Timestamp:     now,
	}

	if err := b.store.CommitFill(next, rec); err != nil {
		return nil, nil, errs.Wrap(errs.KindExternal, op, err)
	}
	b.orders[hash] = next
	b.fills[hash] = append(b.fills[hash], rec)
	return next.Clone(), rec.Clone(), nil
}

// CancelOrder closes an order on the maker's signed request. Only orders
// without accepted fills can be cancelled.
func (b *Book) CancelOrder(hash common.Hash, signature []byte) (*Order, error) {
	const op = "orderbook.CancelOrder"

	b.mu.Lock()
	cur, ok := b.orders[hash]
	if !ok {
		b.mu.Unlock()
		return nil, errs.Wrap(errs.KindValidation, op, ErrOrderNotFound)
	}
	valid, err := b.eip712.VerifyCancelSignature(&crypto.CancelEIP712{OrderHash: hash, Maker: cur.Maker}, signature)
	if err != nil || !valid {
		b.mu.Unlock()
		return nil, errs.Validation(op, "cancel not signed by maker %s", cur.Maker.Hex())
	}
	if !cur.IsOpen() {
		b.mu.Unlock()
		return nil, errs.StateConflict(op, "order is %s", cur.Status)
	}
	if !cur.Unfilled() {
		b.mu.Unlock()
		return nil, errs.StateConflict(op, "order already has %d fills", cur.FillCount)
	}
	next := cur.Clone()
	next.Status = StatusCancelled
	next.ClosedAt = b.clock.Now()
	if err := b.store.SaveOrder(next); err != nil {
		b.mu.Unlock()
		return nil, errs.Wrap(errs.KindExternal, op, err)
	}
	b.orders[hash] = next
	open := b.countOpen()
	out := next.Clone()
	b.mu.Unlock()

	b.metrics.SetOpenOrders(open)
	b.log.Infow("order_cancelled", "order", hash.Hex(), "maker", out.Maker.Hex())
	b.emitOrder(out)
	return out, nil
}

// ExpireOrders closes open orders whose deadline is before now and returns
// their hashes.
func (b *Book) ExpireOrders(now time.Time) []common.Hash {
	var expired []*Order

	b.mu.Lock()
	for hash, o := range b.orders {
		if !o.IsOpen() || now.Unix() <= o.Deadline {
			continue
		}
		next := o.Clone()
		next.Status = StatusExpired
		next.ClosedAt = now
		if err := b.store.SaveOrder(next); err != nil {
			b.log.Warnw("order_expire_failed", "order", hash.Hex(), "err", err)
			continue
		}
		b.orders[hash] = next
		expired = append(expired, next.Clone())
	}
	open := b.countOpen()
	b.mu.Unlock()

	hashes := make([]common.Hash, 0, len(expired))
	for _, o := range expired {
		hashes = append(hashes, o.Hash)
		b.log.Infow("order_expired", "order", o.Hash.Hex(), "remaining", o.Remaining.String())
		b.emitOrder(o)
	}
	if len(expired) > 0 {
		b.metrics.SetOpenOrders(open)
	}
	return hashes
}

// AllowResolver admits addr to submit fills.
func (b *Book) AllowResolver(addr common.Address) error {
	return b.setAllowed(addr, true)
}

func (b *Book) RevokeResolver(addr common.Address) error {
	return b.setAllowed(addr, false)
}

func (b *Book) setAllowed(addr common.Address, allowed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.SaveAllowed(addr, allowed); err != nil {
		return errs.Wrap(errs.KindExternal, "orderbook.setAllowed", err)
	}
	if allowed {
		b.allow[addr] = struct{}{}
	} else {
		delete(b.allow, addr)
	}
	b.log.Infow("resolver_allow_list", "resolver", addr.Hex(), "allowed", allowed)
	return nil
}

func (b *Book) IsAllowed(addr common.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.allow[addr]
	return ok
}

func (b *Book) AllowList() []common.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]common.Address, 0, len(b.allow))
	for a := range b.allow {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

func (b *Book) countOpen() int {
	n := 0
	for _, o := range b.orders {
		if o.IsOpen() {
			n++
		}
	}
	return n
}

func (b *Book) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countOpen()
}

func (b *Book) emitOrder(o *Order) {
	b.lmu.RLock()
	ls := b.orderListeners
	b.lmu.RUnlock()
	for _, fn := range ls {
		fn(o.Clone())
	}
}

func (b *Book) emitFill(o *Order, f *FillRecord) {
	b.lmu.RLock()
	ls := b.fillListeners
	b.lmu.RUnlock()
	for _, fn := range ls {
		fn(o.Clone(), f.Clone())
	}
}

func amountString(x *big.Int) string {
	if x == nil {
		return "<nil>"
	}
	return x.String()
}
