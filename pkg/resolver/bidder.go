package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/metrics"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/quote"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// Phase of one bid. Idle -> Evaluating -> Bidding -> Won | Lost | Expired.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseEvaluating
	PhaseBidding
	PhaseWon
	PhaseLost
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseBidding:
		return "bidding"
	case PhaseWon:
		return "won"
	case PhaseLost:
		return "lost"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Book is the part of the order book a bidder uses.
type Book interface {
	GetOrder(hash common.Hash) (*orderbook.Order, error)
	SubmitFillExpecting(hash common.Hash, resolver common.Address, amount, expectedRemaining *big.Int) (*orderbook.FillRecord, error)
}

// Committer executes a won fill on both chains.
type Committer interface {
	Commit(ctx context.Context, order *orderbook.Order, fill *orderbook.FillRecord) error
}

type Config struct {
	Resolver  common.Address
	Allocator Allocator
	Ceiling   *big.Int // nil: unlimited
	// MinProfitMargin is the least profit accepted, as a share of the
	// counter asset's value.
	MinProfitMargin decimal.Decimal
	CostEstimate    decimal.Decimal // gas and fees per swap, in Vs
	MaxResubmits    int
	Vs              string
}

// Bid is the bidder's record for one order.
type Bid struct {
	OrderHash common.Hash           `json:"orderHash"`
	Phase     Phase                 `json:"phase"`
	Amount    *big.Int              `json:"amount,omitempty"`
	Profit    decimal.Decimal       `json:"profit"`
	Attempts  int                   `json:"attempts"`
	Fill      *orderbook.FillRecord `json:"fill,omitempty"`
	Err       string                `json:"err,omitempty"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// Bidder evaluates new orders for one resolver and bids on the profitable
// ones. Competing resolvers do not coordinate: the order book records the
// first fill and rejects the others with StateConflict.
type Bidder struct {
	cfg       Config
	book      Book
	quotes    quote.Source
	committer Committer
	clock     util.Clock
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	queue   chan common.Hash
	adopted chan adoption

	mu   sync.Mutex
	bids map[common.Hash]*Bid
}

func NewBidder(cfg Config, book Book, quotes quote.Source, committer Committer, clock util.Clock, log *zap.SugaredLogger, m *metrics.Metrics) *Bidder {
	return &Bidder{
		cfg:       cfg,
		book:      book,
		quotes:    quotes,
		committer: committer,
		clock:     clock,
		log:       log.With("resolver", cfg.Resolver.Hex()),
		metrics:   m,
		queue:     make(chan common.Hash, 256),
		adopted:   make(chan adoption, 64),
		bids:      make(map[common.Hash]*Bid),
	}
}

// Notify queues an order for evaluation without blocking. It is meant to be
// registered as an order book listener.
func (b *Bidder) Notify(o *orderbook.Order) {
	select {
	case b.queue <- o.Hash:
	default:
		b.log.Warnw("bid_queue_full", "order", o.Hash.Hex())
	}
}

type adoption struct {
	order *orderbook.Order
	fill  *orderbook.FillRecord
}

// Adopt queues a fill this resolver won outside Evaluate, such as a fill
// intent posted straight to the API, so Run commits it. Fills of other
// resolvers are ignored; their own nodes commit them.
func (b *Bidder) Adopt(o *orderbook.Order, f *orderbook.FillRecord) {
	if f.Resolver != b.cfg.Resolver {
		return
	}
	select {
	case b.adopted <- adoption{order: o, fill: f}:
	default:
		b.log.Errorw("adopt_queue_full", "order", o.Hash.Hex(), "index", f.Index, "swap", f.SwapHash.Hex())
	}
}

// Run evaluates queued orders until ctx is done.
func (b *Bidder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-b.queue:
			if _, err := b.Evaluate(ctx, h); err != nil {
				b.log.Debugw("bid_evaluation_failed", "order", h.Hex(), "err", err)
			}
		case a := <-b.adopted:
			if _, err := b.won(ctx, a.order, a.fill); err != nil {
				b.log.Warnw("adopted_fill_commit_failed", "order", a.order.Hash.Hex(), "index", a.fill.Index, "err", err)
			}
		}
	}
}

// Bid returns a snapshot of the bid on hash.
func (b *Bidder) Bid(hash common.Hash) (Bid, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, ok := b.bids[hash]
	if !ok {
		return Bid{}, false
	}
	return *bid, true
}

// Evaluate runs one bid on the order to completion. A won fill is handed
// to the committer before returning.
func (b *Bidder) Evaluate(ctx context.Context, hash common.Hash) (Bid, error) {
	b.set(hash, func(bid *Bid) { bid.Phase = PhaseEvaluating; bid.Err = "" })

	order, err := b.book.GetOrder(hash)
	if err != nil {
		return b.finish(hash, PhaseLost, err), err
	}

	for attempt := 0; ; attempt++ {
		if done, phase := b.closed(order); done {
			return b.finish(hash, phase, nil), nil
		}

		amount := b.size(order)
		if amount.Sign() == 0 {
			return b.finish(hash, PhaseIdle, nil), nil
		}
		profit, ok, err := b.profitable(ctx, order, amount)
		if err != nil {
			// stale or missing quote: give up on this notification
			return b.finish(hash, PhaseIdle, err), err
		}
		if !ok {
			b.log.Debugw("bid_skipped", "order", hash.Hex(), "amount", amount.String(), "profit", profit.String())
			b.metrics.IncBid("skipped")
			return b.finish(hash, PhaseIdle, nil), nil
		}

		b.set(hash, func(bid *Bid) {
			bid.Phase = PhaseBidding
			bid.Amount = new(big.Int).Set(amount)
			bid.Profit = profit
			bid.Attempts = attempt + 1
		})
		fill, err := b.book.SubmitFillExpecting(hash, b.cfg.Resolver, amount, order.Remaining)
		if err == nil {
			return b.won(ctx, order, fill)
		}
		if errs.KindOf(err) != errs.KindStateConflict {
			return b.finish(hash, PhaseLost, err), err
		}
		if attempt >= b.cfg.MaxResubmits {
			b.log.Infow("bid_lost", "order", hash.Hex(), "attempts", attempt+1, "err", err)
			return b.finish(hash, PhaseLost, err), nil
		}

		// someone else's fill landed first; size again against fresh state
		b.log.Debugw("bid_conflict", "order", hash.Hex(), "amount", amount.String(), "err", err)
		prev := order.Remaining
		if order, err = b.book.GetOrder(hash); err != nil {
			return b.finish(hash, PhaseLost, err), err
		}
		if order.IsOpen() && order.Remaining.Cmp(prev) == 0 {
			// nothing moved, so resizing cannot help (e.g. fill cap reached)
			return b.finish(hash, PhaseLost, nil), nil
		}
	}
}

func (b *Bidder) won(ctx context.Context, order *orderbook.Order, fill *orderbook.FillRecord) (Bid, error) {
	b.set(order.Hash, func(bid *Bid) { bid.Fill = fill.Clone() })
	bid := b.finish(order.Hash, PhaseWon, nil)
	b.log.Infow("bid_won", "order", order.Hash.Hex(), "index", fill.Index,
		"amount", fill.FillAmount.String(), "swap", fill.SwapHash.Hex())
	if b.committer == nil {
		return bid, nil
	}
	if err := b.committer.Commit(ctx, order, fill); err != nil {
		b.set(order.Hash, func(bid *Bid) { bid.Err = err.Error() })
		return bid, fmt.Errorf("commit fill %d of %s: %w", fill.Index, order.Hash.Hex(), err)
	}
	return bid, nil
}

// closed reports whether the order can no longer be bid on.
func (b *Bidder) closed(o *orderbook.Order) (bool, Phase) {
	if o.Status == orderbook.StatusExpired || b.clock.Now().Unix() > o.Deadline {
		return true, PhaseExpired
	}
	if !o.IsOpen() {
		return true, PhaseLost
	}
	return false, PhaseIdle
}

func (b *Bidder) size(o *orderbook.Order) *big.Int {
	if !o.PartialFills {
		if b.cfg.Ceiling != nil && b.cfg.Ceiling.Cmp(o.Remaining) < 0 {
			return new(big.Int)
		}
		return new(big.Int).Set(o.Remaining)
	}
	return b.cfg.Allocator.Allocate(o.Remaining, o.EffectiveMinFill(), b.cfg.Ceiling)
}

// profitable values the maker asset received against the counter asset
// paid plus the cost estimate.
func (b *Bidder) profitable(ctx context.Context, o *orderbook.Order, amount *big.Int) (decimal.Decimal, bool, error) {
	if b.quotes == nil {
		return decimal.Zero, true, nil
	}
	gain, err := b.quotes.Price(ctx, o.MakerAsset, b.cfg.Vs)
	if err != nil {
		return decimal.Zero, false, err
	}
	pay, err := b.quotes.Price(ctx, o.TakerAsset, b.cfg.Vs)
	if err != nil {
		return decimal.Zero, false, err
	}
	cost := pay.Value(o.CounterAmount(amount))
	profit := gain.Value(amount).Sub(cost).Sub(b.cfg.CostEstimate)
	return profit, profit.GreaterThanOrEqual(cost.Mul(b.cfg.MinProfitMargin)), nil
}

func (b *Bidder) set(hash common.Hash, fn func(*Bid)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, ok := b.bids[hash]
	if !ok {
		bid = &Bid{OrderHash: hash}
		b.bids[hash] = bid
	}
	fn(bid)
	bid.UpdatedAt = b.clock.Now()
}

func (b *Bidder) finish(hash common.Hash, phase Phase, err error) Bid {
	var out Bid
	b.set(hash, func(bid *Bid) {
		bid.Phase = phase
		if err != nil {
			bid.Err = err.Error()
		}
		out = *bid
	})
	switch phase {
	case PhaseWon:
		b.metrics.IncBid("won")
	case PhaseLost:
		b.metrics.IncBid("lost")
	case PhaseExpired:
		b.metrics.IncBid("expired")
	}
	if err != nil && errors.Is(err, errs.ErrExternal) {
		b.log.Warnw("bid_quote_unavailable", "order", hash.Hex(), "err", err)
	}
	return out
}
