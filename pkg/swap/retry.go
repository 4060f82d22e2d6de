package swap

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/uhyunpark/hyperswap/pkg/chain"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
)

// RetryPolicy bounds retries of chain calls. Only External errors are
// retried.
type RetryPolicy struct {
	Attempts  uint64
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.Attempts), ctx)
}

// settledFn reports whether on-chain state already reflects the call, so a
// retry would be a double submission.
type settledFn func(*escrow.Escrow) bool

func isFunded(e *escrow.Escrow) bool   { return e.State != escrow.StatePending }
func isResolved(e *escrow.Escrow) bool { return e.State == escrow.StateResolved }
func isRefunded(e *escrow.Escrow) bool { return e.State == escrow.StateRefunded }

// send signs tx once and submits it until it is confirmed, it fails with a
// non-retryable error, or the policy gives up. Before every retry the
// escrow at addr is re-read and an already settled escrow counts as success.
func (c *Coordinator) send(ctx context.Context, swapHash string, p chain.Party, tx *chain.Tx, addr string, settled settledFn) error {
	if err := p.Sign(tx); err != nil {
		return errs.Wrap(errs.KindValidation, "swap.send", err)
	}
	chainName := p.Adapter.Name()
	call := tx.Kind.String()

	attempt := 0
	op := func() error {
		if attempt > 0 && settled != nil && addr != "" {
			if st, err := c.query(ctx, p.Adapter, addr); err == nil && settled(st) {
				c.log.Infow("tx_already_settled", "swap", swapHash, "chain", chainName, "call", call, "state", st.State.String())
				return nil
			}
		}
		attempt++

		h, err := c.submitAndConfirm(ctx, p.Adapter, tx)
		c.journalTx(swapHash, chainName, call, h, err)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.metrics.IncChainRetry(chainName, call)
		c.log.Warnw("chain_call_retry", "swap", swapHash, "chain", chainName, "call", call, "attempt", attempt, "err", err)
		return err
	}
	return backoff.Retry(op, c.cfg.Retry.backoff(ctx))
}

func (c *Coordinator) submitAndConfirm(ctx context.Context, a chain.Adapter, tx *chain.Tx) (chain.TxHash, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveChainCall(a.Name(), tx.Kind.String(), time.Since(start)) }()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ChainCallTimeout)
	h, err := a.Submit(cctx, tx)
	cancel()
	if err != nil {
		return chain.TxHash{}, timeoutAsExternal(err)
	}

	// Polling for the receipt never resubmits.
	r, err := backoff.RetryWithData(func() (*chain.Receipt, error) {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.ChainCallTimeout)
		defer cancel()
		r, err := a.Confirm(cctx, h)
		if err != nil && !errs.IsRetryable(timeoutAsExternal(err)) {
			return nil, backoff.Permanent(err)
		}
		return r, timeoutAsExternal(err)
	}, c.cfg.Retry.backoff(ctx))
	if err != nil {
		return h, err
	}
	if r.Status != chain.ReceiptSuccess {
		return h, errs.External("swap.confirm", "tx %s reverted", h.Hex())
	}
	return h, nil
}

// query reads escrow state under the chain call timeout.
func (c *Coordinator) query(ctx context.Context, a chain.Adapter, addr string) (*escrow.Escrow, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ChainCallTimeout)
	defer cancel()
	st, err := a.QueryState(cctx, addr)
	c.metrics.ObserveChainCall(a.Name(), "query", time.Since(start))
	return st, timeoutAsExternal(err)
}

// timeoutAsExternal classifies bare context errors from adapters as
// External so they are retried.
func timeoutAsExternal(err error) error {
	if err == nil || errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindExternal, "chain", err)
	}
	return err
}
