package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/chain"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/metrics"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

// Index is the durable list of escrows this node has a stake in.
type Index interface {
	Watched() ([]escrow.Ref, error)
	Unwatch(ref escrow.Ref) error
}

// Chains reads and refunds escrows on the ledgers this node serves.
type Chains interface {
	QueryEscrow(ctx context.Context, chainName, addr string) (*escrow.Escrow, error)
	RefundEscrow(ctx context.Context, chainName, addr string) (refunded bool, err error)
}

type Expirer interface {
	ExpireOrders(now time.Time) []common.Hash
}

// Pruner drops settled escrows from a ledger's working set.
type Pruner interface {
	Prune(now time.Time, retention time.Duration, limit int) int
}

type Config struct {
	Interval       time.Duration
	PruneRetention time.Duration
	PruneBatch     int
}

func ConfigFrom(p params.Swap) Config {
	return Config{Interval: p.PollInterval, PruneRetention: p.PruneRetention, PruneBatch: p.PruneBatch}
}

// Result summarizes one sweep.
type Result struct {
	Scanned   int
	Refunded  int
	Already   int // refunded by someone else first
	Failed    int
	Unwatched int
	Expired   int
	Pruned    int
}

// Sweeper refunds funded escrows whose timelock has passed. It never acts
// on remembered state: every watched escrow is re-read from its chain
// before a refund is attempted.
type Sweeper struct {
	cfg     Config
	index   Index
	chains  Chains
	orders  Expirer
	pruners []Pruner
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	running atomic.Bool
}

// New builds a sweeper. orders may be nil when this node keeps no order
// book.
func New(cfg Config, index Index, chains Chains, orders Expirer, pruners []Pruner, clock util.Clock, log *zap.SugaredLogger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		index:   index,
		chains:  chains,
		orders:  orders,
		pruners: pruners,
		clock:   clock,
		log:     log,
		metrics: m,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a slow sweep must not stack up behind the ticker
			go s.Tick(ctx)
		}
	}
}

// Tick runs one sweep. It returns ok=false without doing anything when a
// sweep is already in progress.
func (s *Sweeper) Tick(ctx context.Context) (res Result, ok bool) {
	if !s.running.CompareAndSwap(false, true) {
		return res, false
	}
	defer s.running.Store(false)

	refs, err := s.index.Watched()
	if err != nil {
		s.log.Errorw("sweep_index_failed", "err", err)
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		s.sweep(ctx, ref, &res)
	}

	now := s.clock.Now()
	if s.orders != nil {
		res.Expired = len(s.orders.ExpireOrders(now))
	}
	for _, p := range s.pruners {
		res.Pruned += p.Prune(now, s.cfg.PruneRetention, s.cfg.PruneBatch)
	}

	if res.Refunded+res.Already+res.Failed+res.Expired+res.Pruned > 0 {
		s.log.Infow("sweep_done", "scanned", res.Scanned, "refunded", res.Refunded, "already", res.Already,
			"failed", res.Failed, "unwatched", res.Unwatched, "expired", res.Expired, "pruned", res.Pruned)
	}
	return res, true
}

func (s *Sweeper) sweep(ctx context.Context, ref escrow.Ref, res *Result) {
	st, err := s.chains.QueryEscrow(ctx, ref.Chain, ref.Address)
	if errors.Is(err, chain.ErrNotFound) {
		// never created; once past its timelock it never will be
		if s.clock.Now().Unix() > ref.Timelock {
			s.unwatch(ref, res)
		}
		return
	}
	if err != nil {
		s.log.Warnw("sweep_query_failed", "chain", ref.Chain, "escrow", ref.Address, "err", err)
		return
	}

	now := s.clock.Now().Unix()
	switch {
	case st.State.Terminal():
		s.unwatch(ref, res)
		return
	case st.State == escrow.StatePending && now > st.Timelock:
		// holds nothing and can no longer be funded
		s.unwatch(ref, res)
		return
	case st.State != escrow.StateFunded, now <= st.Timelock:
		return
	}

	refunded, err := s.chains.RefundEscrow(ctx, ref.Chain, ref.Address)
	switch {
	case errs.KindOf(err) == errs.KindTiming:
		// the chain's clock has not passed the timelock yet
		return
	case err != nil:
		res.Failed++
		s.metrics.IncSweeperRefund("failed")
		s.log.Warnw("sweep_refund_failed", "chain", ref.Chain, "escrow", ref.Address, "swap", ref.SwapHash.Hex(),
			"kind", errs.KindOf(err).String(), "err", err)
		return
	case refunded:
		res.Refunded++
		s.metrics.IncSweeperRefund("refunded")
		s.log.Infow("escrow_refunded", "chain", ref.Chain, "escrow", ref.Address, "swap", ref.SwapHash.Hex(),
			"side", ref.Side.String(), "by", "sweeper")
	default:
		res.Already++
		s.metrics.IncSweeperRefund("already_refunded")
	}
	s.unwatch(ref, res)
}

func (s *Sweeper) unwatch(ref escrow.Ref, res *Result) {
	if err := s.index.Unwatch(ref); err != nil {
		s.log.Warnw("sweep_unwatch_failed", "chain", ref.Chain, "escrow", ref.Address, "err", err)
		return
	}
	res.Unwatched++
}
