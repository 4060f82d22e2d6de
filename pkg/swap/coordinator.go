package swap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/chain"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/metrics"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

type Config struct {
	TimelockSrc      time.Duration
	TimelockDst      time.Duration
	MinTimelockGap   time.Duration
	ChainCallTimeout time.Duration
	PollInterval     time.Duration
	Retry            RetryPolicy
}

func ConfigFrom(p params.Swap) Config {
	return Config{
		TimelockSrc:      p.TimelockSrc,
		TimelockDst:      p.TimelockDst,
		MinTimelockGap:   p.MinTimelockGap,
		ChainCallTimeout: p.ChainCallTimeout,
		PollInterval:     p.PollInterval,
		Retry:            RetryPolicy{Attempts: p.RetryAttempts, BaseDelay: p.RetryBaseDelay, MaxDelay: 30 * time.Second},
	}
}

// States is a fresh on-chain reading of both legs. A nil leg has not been
// created yet.
type States struct {
	Swap common.Hash    `json:"swap"`
	Src  *escrow.Escrow `json:"src"`
	Dst  *escrow.Escrow `json:"dst"`
}

// Coordinator sequences the two legs of every swap this node takes part
// in. It never trusts its own records: each decision starts from a fresh
// query of both escrows.
type Coordinator struct {
	cfg     Config
	parties map[string]chain.Party
	store   Store
	journal Journal
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	// serializes work per swap; Poll and API triggers may overlap
	locks sync.Map // common.Hash -> *sync.Mutex

	lmu       sync.RWMutex
	listeners []func(*Swap)
}

// NewCoordinator takes this node's account on every chain it serves, keyed
// by chain name.
func NewCoordinator(cfg Config, parties []chain.Party, store Store, journal Journal, clock util.Clock, log *zap.SugaredLogger, m *metrics.Metrics) *Coordinator {
	byName := make(map[string]chain.Party, len(parties))
	for _, p := range parties {
		byName[p.Adapter.Name()] = p
	}
	return &Coordinator{
		cfg:     cfg,
		parties: byName,
		store:   store,
		journal: journal,
		clock:   clock,
		log:     log,
		metrics: m,
	}
}

// OnSwap registers fn for every saved change of a swap record.
func (c *Coordinator) OnSwap(fn func(*Swap)) {
	c.lmu.Lock()
	c.listeners = append(c.listeners, fn)
	c.lmu.Unlock()
}

func (c *Coordinator) party(op, chainName string) (chain.Party, error) {
	p, ok := c.parties[chainName]
	if !ok {
		return chain.Party{}, errs.Validation(op, "no account on chain %q", chainName)
	}
	return p, nil
}

func (c *Coordinator) lock(h common.Hash) func() {
	m, _ := c.locks.LoadOrStore(h, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Commit executes a won fill: it plans both escrows, then creates and funds
// the source leg from the maker's allowance and the destination leg from
// the resolver's own funds. Committing a fill twice resumes the first
// attempt.
func (c *Coordinator) Commit(ctx context.Context, order *orderbook.Order, fill *orderbook.FillRecord) error {
	const op = "swap.Commit"
	defer c.lock(fill.SwapHash)()

	sw, err := c.store.LoadSwap(fill.SwapHash)
	if err != nil {
		return errs.Wrap(errs.KindExternal, op, err)
	}
	if sw == nil {
		if sw, err = c.plan(ctx, order, fill); err != nil {
			return err
		}
	}
	if sw.Phase != PhaseCommitting {
		return nil
	}
	return c.commitLegs(ctx, sw)
}

func (c *Coordinator) plan(ctx context.Context, order *orderbook.Order, fill *orderbook.FillRecord) (*Swap, error) {
	const op = "swap.Commit"
	src, err := c.party(op, order.SrcChain)
	if err != nil {
		return nil, err
	}
	dst, err := c.party(op, order.DstChain)
	if err != nil {
		return nil, err
	}

	// both legs lock under the maker's signed commitment for this index
	hashlock, ok := order.HashlockFor(fill.Index)
	if !ok {
		return nil, errs.Validation(op, "order carries no hashlock for fill %d", fill.Index)
	}
	if !fill.Hashlock.IsZero() && fill.Hashlock != hashlock {
		return nil, errs.StateConflict(op, "fill %d hashlock differs from the order's", fill.Index)
	}

	now := c.clock.Now()
	p := Plan{
		Src: escrow.Immutables{
			OrderHash: fill.SwapHash,
			Side:      escrow.SideSource,
			Token:     order.MakerAsset,
			Amount:    cloneInt(fill.FillAmount),
			Recipient: src.Account,
			Hashlock:  hashlock,
			Timelock:  now.Add(c.cfg.TimelockSrc).Unix(),
		},
		Dst: escrow.Immutables{
			OrderHash: fill.SwapHash,
			Side:      escrow.SideDestination,
			Token:     order.TakerAsset,
			Amount:    cloneInt(fill.CounterAmount),
			Recipient: order.Receiver,
			Hashlock:  hashlock,
			Timelock:  now.Add(c.cfg.TimelockDst).Unix(),
		},
		MinGap: c.cfg.MinTimelockGap,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	sw := &Swap{
		Hash:      fill.SwapHash,
		OrderHash: order.Hash,
		FillIndex: fill.Index,
		Resolver:  fill.Resolver,
		Maker:     order.Maker,
		Hashlock:  hashlock,
		Src: Leg{
			Chain:      order.SrcChain,
			Immutables: p.Src,
			Address:    src.Adapter.AddressOf(p.Src),
			Depositor:  order.SrcAccount,
		},
		Dst: Leg{
			Chain:      order.DstChain,
			Immutables: p.Dst,
			Address:    dst.Adapter.AddressOf(p.Dst),
			Depositor:  dst.Account,
		},
		Phase:     PhaseCommitting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// watch before broadcasting anything so a crash mid-commit still refunds
	for _, leg := range []*Leg{&sw.Src, &sw.Dst} {
		if err := c.store.WatchEscrow(leg.Ref(sw.Hash)); err != nil {
			return nil, errs.Wrap(errs.KindExternal, op, err)
		}
	}
	if err := c.save(sw); err != nil {
		return nil, err
	}
	c.log.Infow("swap_planned", "swap", sw.Hash.Hex(), "order", sw.OrderHash.Hex(), "index", sw.FillIndex,
		"src_escrow", sw.Src.Address, "dst_escrow", sw.Dst.Address,
		"src_timelock", p.Src.Timelock, "dst_timelock", p.Dst.Timelock)
	return sw, nil
}

// commitLegs funds the source leg, then the destination leg. A retryable
// failure leaves the swap committing so Poll resumes it; anything else
// fails the swap. Funded legs of a failed swap are refunded after their
// timelock by the sweeper.
func (c *Coordinator) commitLegs(ctx context.Context, sw *Swap) error {
	var err error
	if c.clock.Now().Unix() >= sw.Dst.Immutables.Timelock {
		err = errs.Timing("swap.Commit", "destination timelock passed before both legs were funded")
	}
	if err == nil {
		err = c.ensureFunded(ctx, sw, &sw.Src)
	}
	if err == nil {
		err = c.ensureFunded(ctx, sw, &sw.Dst)
	}
	if err != nil {
		sw.LastError = err.Error()
		if !errs.IsRetryable(err) {
			sw.Phase = PhaseFailed
			c.log.Errorw("swap_failed", "swap", sw.Hash.Hex(), "kind", errs.KindOf(err).String(), "err", err)
		}
		if serr := c.save(sw); serr != nil {
			return serr
		}
		return err
	}
	sw.Phase = PhaseLocked
	sw.LastError = ""
	c.log.Infow("swap_locked", "swap", sw.Hash.Hex())
	return c.save(sw)
}

// ensureFunded creates the leg's escrow unless its derived address is
// already taken, then funds it unless already funded.
func (c *Coordinator) ensureFunded(ctx context.Context, sw *Swap, leg *Leg) error {
	const op = "swap.ensureFunded"
	p, err := c.party(op, leg.Chain)
	if err != nil {
		return err
	}
	st, err := c.query(ctx, p.Adapter, leg.Address)
	if errors.Is(err, chain.ErrNotFound) {
		tx := &chain.Tx{Kind: chain.TxCreate, Escrow: leg.Immutables, SrcTimelock: sw.Src.Immutables.Timelock}
		if err := c.send(ctx, sw.Hash.Hex(), p, tx, leg.Address, func(*escrow.Escrow) bool { return true }); err != nil {
			return err
		}
		c.log.Infow("escrow_created", "swap", sw.Hash.Hex(), "side", leg.Immutables.Side.String(), "chain", leg.Chain, "escrow", leg.Address)
		st, err = c.query(ctx, p.Adapter, leg.Address)
	}
	if err != nil {
		return err
	}
	if !sameTerms(leg.Immutables, st.Immutables) {
		return errs.StateConflict(op, "escrow %s on %s holds different terms", leg.Address, leg.Chain)
	}

	switch st.State {
	case escrow.StatePending:
		tx := &chain.Tx{Kind: chain.TxFund, Address: leg.Address, Depositor: leg.Depositor}
		if err := c.send(ctx, sw.Hash.Hex(), p, tx, leg.Address, isFunded); err != nil {
			return err
		}
		c.transition(sw, leg, escrow.StateFunded)
		c.log.Infow("escrow_funded", "swap", sw.Hash.Hex(), "side", leg.Immutables.Side.String(), "chain", leg.Chain,
			"escrow", leg.Address, "depositor", leg.Depositor, "amount", leg.Immutables.Amount.String())
		return nil
	case escrow.StateFunded:
		leg.State = escrow.StateFunded
		return nil
	default:
		leg.State = st.State
		return errs.StateConflict(op, "escrow %s is already %s", leg.Address, st.State)
	}
}

// Reveal withdraws the destination leg with the maker's secret, paying the
// maker and making the secret public. The maker calls it only after seeing
// both legs funded; the node re-checks that before broadcasting.
func (c *Coordinator) Reveal(ctx context.Context, swapHash common.Hash, secret crypto.Secret) error {
	const op = "swap.Reveal"
	defer c.lock(swapHash)()
	sw, err := c.load(op, swapHash)
	if err != nil {
		return err
	}
	if !sw.Hashlock.Matches(secret[:]) {
		return errs.SecretMismatch(op, "secret does not open swap %s", swapHash.Hex())
	}
	src, dst, err := c.observe(ctx, sw)
	if err != nil {
		return err
	}
	if dst != nil && dst.State == escrow.StateResolved {
		sw.Phase = derivePhase(sw)
		return c.save(sw)
	}
	for _, st := range []*escrow.Escrow{src, dst} {
		if st == nil || st.State != escrow.StateFunded {
			return errs.StateConflict(op, "both legs must be funded before the secret is revealed")
		}
	}
	for _, pair := range [][2]escrow.Immutables{{sw.Src.Immutables, src.Immutables}, {sw.Dst.Immutables, dst.Immutables}} {
		if !sameTerms(pair[0], pair[1]) {
			return errs.StateConflict(op, "%s escrow terms differ from the plan", pair[0].Side)
		}
	}

	p, err := c.party(op, sw.Dst.Chain)
	if err != nil {
		return err
	}
	tx := &chain.Tx{Kind: chain.TxResolve, Address: sw.Dst.Address, Secret: secret[:]}
	if err := c.send(ctx, sw.Hash.Hex(), p, tx, sw.Dst.Address, isResolved); err != nil {
		c.logSettleError(sw, "reveal", err)
		return err
	}
	c.transition(sw, &sw.Dst, escrow.StateResolved)
	sw.Phase = PhaseRevealed
	c.log.Infow("secret_revealed", "swap", sw.Hash.Hex(), "chain", sw.Dst.Chain, "escrow", sw.Dst.Address)
	return c.save(sw)
}

// ClaimSource withdraws the source leg for the resolver with the secret
// read from the destination escrow on chain.
func (c *Coordinator) ClaimSource(ctx context.Context, swapHash common.Hash) error {
	const op = "swap.ClaimSource"
	defer c.lock(swapHash)()
	sw, err := c.load(op, swapHash)
	if err != nil {
		return err
	}
	return c.claimSource(ctx, sw)
}

func (c *Coordinator) claimSource(ctx context.Context, sw *Swap) error {
	const op = "swap.ClaimSource"
	src, dst, err := c.observe(ctx, sw)
	if err != nil {
		return err
	}
	if dst == nil || dst.State != escrow.StateResolved || dst.Secret == nil {
		return errs.StateConflict(op, "secret not revealed on %s yet", sw.Dst.Chain)
	}
	if src == nil {
		return errs.StateConflict(op, "source escrow does not exist")
	}
	if src.State == escrow.StateResolved {
		sw.Phase = PhaseCompleted
		return c.save(sw)
	}

	p, err := c.party(op, sw.Src.Chain)
	if err != nil {
		return err
	}
	secret := *dst.Secret
	tx := &chain.Tx{Kind: chain.TxResolve, Address: sw.Src.Address, Secret: secret[:]}
	if err := c.send(ctx, sw.Hash.Hex(), p, tx, sw.Src.Address, isResolved); err != nil {
		c.logSettleError(sw, "claim_source", err)
		return err
	}
	c.transition(sw, &sw.Src, escrow.StateResolved)
	sw.Phase = PhaseCompleted
	c.log.Infow("swap_completed", "swap", sw.Hash.Hex())
	return c.save(sw)
}

// Refund returns one leg's deposit after its timelock. An already refunded
// leg is success.
func (c *Coordinator) Refund(ctx context.Context, swapHash common.Hash, side escrow.Side) error {
	const op = "swap.Refund"
	defer c.lock(swapHash)()
	sw, err := c.load(op, swapHash)
	if err != nil {
		return err
	}
	if side != escrow.SideSource && side != escrow.SideDestination {
		return errs.Validation(op, "unknown side %d", side)
	}
	if err := c.refundLeg(ctx, sw, sw.Leg(side)); err != nil {
		return err
	}
	sw.Phase = derivePhase(sw)
	return c.save(sw)
}

func (c *Coordinator) refundLeg(ctx context.Context, sw *Swap, leg *Leg) error {
	refunded, err := c.RefundEscrow(ctx, leg.Chain, leg.Address)
	if err != nil {
		c.logSettleError(sw, "refund", err)
		return err
	}
	leg.State = escrow.StateRefunded
	if refunded {
		c.metrics.IncEscrowTransition(leg.Immutables.Side.String(), escrow.StateRefunded.String())
		c.log.Infow("escrow_refunded", "swap", sw.Hash.Hex(), "side", leg.Immutables.Side.String(),
			"chain", leg.Chain, "escrow", leg.Address)
	}
	return nil
}

// RefundEscrow refunds any escrow on a chain this node serves. It reports
// refunded=false when the escrow was already refunded.
func (c *Coordinator) RefundEscrow(ctx context.Context, chainName, addr string) (refunded bool, err error) {
	const op = "swap.RefundEscrow"
	p, err := c.party(op, chainName)
	if err != nil {
		return false, err
	}
	st, err := c.query(ctx, p.Adapter, addr)
	if err != nil {
		return false, err
	}
	// validate locally first so an early call costs no transaction
	now, err := p.Adapter.Now(ctx)
	if err != nil {
		return false, timeoutAsExternal(err)
	}
	changed, err := st.Clone().Refund(now)
	if err != nil || !changed {
		return false, err
	}
	tx := &chain.Tx{Kind: chain.TxRefund, Address: addr}
	if err := c.send(ctx, addr, p, tx, addr, isRefunded); err != nil {
		return false, err
	}
	return true, nil
}

// QueryEscrow reads one escrow on a chain this node serves.
func (c *Coordinator) QueryEscrow(ctx context.Context, chainName, addr string) (*escrow.Escrow, error) {
	p, err := c.party("swap.QueryEscrow", chainName)
	if err != nil {
		return nil, err
	}
	return c.query(ctx, p.Adapter, addr)
}

// GetEscrowState queries both legs of a swap.
func (c *Coordinator) GetEscrowState(ctx context.Context, swapHash common.Hash) (*States, error) {
	const op = "swap.GetEscrowState"
	sw, err := c.load(op, swapHash)
	if err != nil {
		return nil, err
	}
	src, dst, err := c.observe(ctx, sw)
	if err != nil {
		return nil, err
	}
	return &States{Swap: swapHash, Src: src, Dst: dst}, nil
}

// Swap returns the stored record of a swap.
func (c *Coordinator) Swap(swapHash common.Hash) (*Swap, error) {
	return c.load("swap.Swap", swapHash)
}

// Swaps lists every stored swap.
func (c *Coordinator) Swaps() ([]*Swap, error) {
	out, err := c.store.LoadSwaps()
	if err != nil {
		return nil, errs.Wrap(errs.KindExternal, "swap.Swaps", err)
	}
	return out, nil
}

// Poll advances every unfinished swap by at most one protocol step per leg.
func (c *Coordinator) Poll(ctx context.Context) {
	swaps, err := c.store.LoadOpenSwaps()
	if err != nil {
		c.log.Errorw("swap_load_failed", "err", err)
		return
	}
	for _, sw := range swaps {
		if sw.Phase.Done() || ctx.Err() != nil {
			continue
		}
		if err := c.step(ctx, sw.Hash); err != nil {
			c.log.Debugw("swap_step_failed", "swap", sw.Hash.Hex(), "phase", sw.Phase.String(), "err", err)
		}
	}
}

// Run polls until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	c.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Poll(ctx)
		}
	}
}

func (c *Coordinator) step(ctx context.Context, h common.Hash) error {
	defer c.lock(h)()
	sw, err := c.load("swap.step", h)
	if err != nil {
		return err
	}
	if sw.Phase == PhaseCommitting {
		return c.commitLegs(ctx, sw)
	}

	src, dst, err := c.observe(ctx, sw)
	if err != nil {
		return err
	}
	now := c.clock.Now().Unix()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if dst != nil && dst.State == escrow.StateResolved && src != nil && src.State == escrow.StateFunded && now <= src.Timelock {
		keep(c.claimSource(ctx, sw))
	}
	if dst != nil && sw.Dst.State == escrow.StateFunded && now > dst.Timelock {
		keep(c.refundLeg(ctx, sw, &sw.Dst))
	}
	if src != nil && sw.Src.State == escrow.StateFunded && now > src.Timelock {
		keep(c.refundLeg(ctx, sw, &sw.Src))
	}

	sw.Phase = derivePhase(sw)
	if err := c.save(sw); err != nil {
		return err
	}
	return firstErr
}

// observe refreshes both legs from chain. A leg not created yet reads nil.
func (c *Coordinator) observe(ctx context.Context, sw *Swap) (src, dst *escrow.Escrow, err error) {
	read := func(leg *Leg) (*escrow.Escrow, error) {
		p, err := c.party("swap.observe", leg.Chain)
		if err != nil {
			return nil, err
		}
		st, err := c.query(ctx, p.Adapter, leg.Address)
		if errors.Is(err, chain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		leg.State = st.State
		return st, nil
	}
	if src, err = read(&sw.Src); err != nil {
		return nil, nil, err
	}
	if dst, err = read(&sw.Dst); err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// derivePhase maps observed leg states to the swap phase.
func derivePhase(sw *Swap) Phase {
	s, d := sw.Src.State, sw.Dst.State
	switch {
	case s == escrow.StateResolved && d == escrow.StateResolved:
		return PhaseCompleted
	case s == escrow.StateFunded || d == escrow.StateFunded:
		if d == escrow.StateResolved {
			return PhaseRevealed
		}
		if s == escrow.StateFunded && d == escrow.StateFunded {
			return PhaseLocked
		}
		return sw.Phase
	case s == escrow.StateRefunded || d == escrow.StateRefunded:
		return PhaseRefunded
	}
	return sw.Phase
}

func (c *Coordinator) transition(sw *Swap, leg *Leg, to escrow.State) {
	leg.State = to
	c.metrics.IncEscrowTransition(leg.Immutables.Side.String(), to.String())
}

func (c *Coordinator) logSettleError(sw *Swap, action string, err error) {
	if errs.KindOf(err) == errs.KindSecretMismatch {
		c.log.Warnw("secret_mismatch", "swap", sw.Hash.Hex(), "action", action, "err", err)
		return
	}
	c.log.Warnw("swap_action_failed", "swap", sw.Hash.Hex(), "action", action,
		"kind", errs.KindOf(err).String(), "err", err)
}

func (c *Coordinator) load(op string, h common.Hash) (*Swap, error) {
	sw, err := c.store.LoadSwap(h)
	if err != nil {
		return nil, errs.Wrap(errs.KindExternal, op, err)
	}
	if sw == nil {
		return nil, errs.Wrap(errs.KindValidation, op, ErrSwapNotFound)
	}
	return sw, nil
}

func (c *Coordinator) save(sw *Swap) error {
	sw.UpdatedAt = c.clock.Now()
	if err := c.store.SaveSwap(sw); err != nil {
		return errs.Wrap(errs.KindExternal, "swap.save", err)
	}
	c.lmu.RLock()
	for _, fn := range c.listeners {
		fn(sw.Clone())
	}
	c.lmu.RUnlock()
	return nil
}

func (c *Coordinator) journalTx(swapHash, chainName, action string, h chain.TxHash, err error) {
	if c.journal == nil {
		return
	}
	e := JournalEntry{Time: c.clock.Now(), Swap: swapHash, Chain: chainName, Action: action}
	if h != (chain.TxHash{}) {
		e.TxHash = h.Hex()
	}
	if err != nil {
		e.Err = err.Error()
	}
	if jerr := c.journal.Append(e); jerr != nil {
		c.log.Errorw("journal_append_failed", "swap", swapHash, "err", jerr)
	}
}
