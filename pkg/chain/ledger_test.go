package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

var (
	t0      = time.Unix(1_700_000_000, 0)
	srcLock = t0.Add(47 * time.Hour).Unix()
)

type ledgerFixture struct {
	ledger *Ledger
	clock  *util.ManualClock
	maker  Party
	res    Party
}

func newBLSLedger(t *testing.T) *ledgerFixture {
	t.Helper()
	clock := util.NewManualClock(t0)
	l := NewLedger("algorand-devnet", escrow.Sha3Deriver{}, BLSAuth{}, clock,
		escrow.Limits{MinTimelock: 10 * time.Minute, MaxTimelock: 48 * time.Hour}, zap.NewNop().Sugar())

	party := func() Party {
		k, err := crypto.GenerateBLSKey()
		if err != nil {
			t.Fatalf("GenerateBLSKey: %v", err)
		}
		return Party{Adapter: l, Signer: k, Account: k.Account()}
	}
	return &ledgerFixture{ledger: l, clock: clock, maker: party(), res: party()}
}

func (f *ledgerFixture) submit(t *testing.T, p Party, tx *Tx) (TxHash, error) {
	t.Helper()
	if err := p.Sign(tx); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return f.ledger.Submit(context.Background(), tx)
}

func (f *ledgerFixture) immutables(secret crypto.Secret, recipient string, lock time.Duration) escrow.Immutables {
	return escrow.Immutables{
		OrderHash: common.HexToHash("0xabc"),
		Side:      escrow.SideDestination,
		Token:     "ALGO",
		Amount:    big.NewInt(300),
		Recipient: recipient,
		Hashlock:  secret.Hashlock(),
		Timelock:  t0.Add(lock).Unix(),
	}
}

func TestLedgerResolvePaysRecipient(t *testing.T) {
	f := newBLSLedger(t)
	ctx := context.Background()
	secret, _ := crypto.NewSecret()
	f.ledger.Mint(f.res.Account, "ALGO", big.NewInt(1000))

	im := f.immutables(secret, f.maker.Account, 30*time.Minute)
	if _, err := f.submit(t, f.res, &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: srcLock}); err != nil {
		t.Fatalf("create: %v", err)
	}
	addr := f.ledger.AddressOf(im)
	if _, err := f.submit(t, f.res, &Tx{Kind: TxFund, Address: addr}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if got := f.ledger.Balance(f.res.Account, "ALGO").Int64(); got != 700 {
		t.Fatalf("resolver balance after fund = %d, want 700", got)
	}

	h, err := f.submit(t, f.maker, &Tx{Kind: TxResolve, Address: addr, Secret: secret[:]})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r, err := f.ledger.Confirm(ctx, h)
	if err != nil || r.Status != ReceiptSuccess {
		t.Fatalf("confirm: %+v %v", r, err)
	}
	if r.Escrow.State != escrow.StateResolved || r.Escrow.Secret == nil || *r.Escrow.Secret != secret {
		t.Fatalf("receipt escrow = %s", r.Escrow)
	}
	if got := f.ledger.Balance(f.maker.Account, "ALGO").Int64(); got != 300 {
		t.Fatalf("maker balance = %d, want 300", got)
	}

	// a second resolve with the same secret moves nothing
	if _, err := f.submit(t, f.res, &Tx{Kind: TxResolve, Address: addr, Secret: secret[:]}); err != nil {
		t.Fatalf("repeat resolve: %v", err)
	}
	if got := f.ledger.Balance(f.maker.Account, "ALGO").Int64(); got != 300 {
		t.Fatalf("maker paid twice: %d", got)
	}
}

func TestLedgerRefundReturnsDeposit(t *testing.T) {
	f := newBLSLedger(t)
	secret, _ := crypto.NewSecret()
	f.ledger.Mint(f.res.Account, "ALGO", big.NewInt(300))
	im := f.immutables(secret, f.maker.Account, 30*time.Minute)
	addr := f.ledger.AddressOf(im)
	f.submit(t, f.res, &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: srcLock})
	if _, err := f.submit(t, f.res, &Tx{Kind: TxFund, Address: addr}); err != nil {
		t.Fatal(err)
	}

	_, err := f.submit(t, f.maker, &Tx{Kind: TxRefund, Address: addr})
	if !errors.Is(err, errs.ErrTiming) {
		t.Fatalf("early refund err = %v, want timing", err)
	}

	f.clock.Advance(30*time.Minute + time.Second)
	// anyone may trigger the refund; funds go back to the depositor
	if _, err := f.submit(t, f.maker, &Tx{Kind: TxRefund, Address: addr}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := f.ledger.Balance(f.res.Account, "ALGO").Int64(); got != 300 {
		t.Fatalf("depositor balance = %d, want 300", got)
	}
	if got := f.ledger.Balance(f.maker.Account, "ALGO").Sign(); got != 0 {
		t.Fatal("refund paid the caller")
	}
}

func TestLedgerFundFromAllowance(t *testing.T) {
	f := newBLSLedger(t)
	secret, _ := crypto.NewSecret()
	f.ledger.Mint(f.maker.Account, "ALGO", big.NewInt(1000))
	im := f.immutables(secret, f.res.Account, time.Hour)
	addr := f.ledger.AddressOf(im)
	f.submit(t, f.res, &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: srcLock})

	_, err := f.submit(t, f.res, &Tx{Kind: TxFund, Address: addr, Depositor: f.maker.Account})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("fund without allowance err = %v, want validation", err)
	}

	if _, err := f.submit(t, f.maker, &Tx{Kind: TxApprove, Token: "ALGO", Spender: f.res.Account, Amount: big.NewInt(500)}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.submit(t, f.res, &Tx{Kind: TxFund, Address: addr, Depositor: f.maker.Account}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if got := f.ledger.Balance(f.maker.Account, "ALGO").Int64(); got != 700 {
		t.Fatalf("maker balance = %d, want 700", got)
	}
	if got := f.ledger.Allowance(f.maker.Account, f.res.Account, "ALGO").Int64(); got != 200 {
		t.Fatalf("allowance left = %d, want 200", got)
	}
	esc, _ := f.ledger.QueryState(context.Background(), addr)
	if esc.Depositor != f.maker.Account || esc.State != escrow.StateFunded {
		t.Fatalf("escrow after fund = %+v", esc)
	}
}

func TestLedgerRejects(t *testing.T) {
	f := newBLSLedger(t)
	ctx := context.Background()
	secret, _ := crypto.NewSecret()
	im := f.immutables(secret, f.maker.Account, time.Hour)

	t.Run("forged signature", func(t *testing.T) {
		tx := &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: srcLock}
		f.res.Sign(tx)
		tx.From = f.maker.Account
		if _, err := f.ledger.Submit(ctx, tx); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("err = %v, want validation", err)
		}
	})
	t.Run("wrong chain", func(t *testing.T) {
		tx := &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: srcLock}
		f.res.Sign(tx)
		tx.Chain = "other"
		if _, err := f.ledger.Submit(ctx, tx); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("err = %v, want validation", err)
		}
	})
	t.Run("insufficient balance", func(t *testing.T) {
		f.submit(t, f.res, &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: srcLock})
		_, err := f.submit(t, f.res, &Tx{Kind: TxFund, Address: f.ledger.AddressOf(im)})
		if !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("err = %v, want validation", err)
		}
	})
	t.Run("unknown escrow", func(t *testing.T) {
		_, err := f.ledger.QueryState(ctx, "nowhere")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		tx := &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: srcLock}
		f.res.Sign(tx)
		if _, err := f.ledger.Submit(cctx, tx); !errs.IsRetryable(err) {
			t.Fatalf("err = %v, want retryable", err)
		}
	})
}

func TestLedgerDestinationMustExpireBeforeSource(t *testing.T) {
	f := newBLSLedger(t)
	secret, _ := crypto.NewSecret()
	im := f.immutables(secret, f.maker.Account, time.Hour)

	for _, src := range []int64{0, im.Timelock, t0.Add(30 * time.Minute).Unix()} {
		_, err := f.submit(t, f.res, &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: src})
		if !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("src timelock %d: err = %v, want validation", src, err)
		}
	}
	if _, err := f.ledger.QueryState(context.Background(), f.ledger.AddressOf(im)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected create left an escrow: %v", err)
	}
	if _, err := f.submit(t, f.res, &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: im.Timelock + 600}); err != nil {
		t.Fatalf("create before source: %v", err)
	}
}

func TestLedgerResubmitIsIdempotent(t *testing.T) {
	f := newBLSLedger(t)
	secret, _ := crypto.NewSecret()
	tx := &Tx{Kind: TxCreate, Escrow: f.immutables(secret, f.maker.Account, time.Hour), SrcTimelock: srcLock}
	h1, err := f.submit(t, f.res, tx)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := f.ledger.Submit(context.Background(), tx)
	if err != nil || h1 != h2 {
		t.Fatalf("resubmit: %s vs %s, err=%v", h1.Hex(), h2.Hex(), err)
	}
	r1, _ := f.ledger.Confirm(context.Background(), h1)
	if r1.Block != 1 {
		t.Fatalf("resubmission created a new block: %d", r1.Block)
	}
}

func TestSecp256k1Ledger(t *testing.T) {
	clock := util.NewManualClock(t0)
	l := NewLedger("evm-devnet", escrow.Create2Deriver{}, Secp256k1Auth{}, clock,
		escrow.Limits{}, zap.NewNop().Sugar())
	key, _ := crypto.GenerateKey()
	p := Party{Adapter: l, Signer: key, Account: key.Address().Hex()}

	secret, _ := crypto.NewSecret()
	im := escrow.Immutables{
		OrderHash: common.HexToHash("0x01"),
		Side:      escrow.SideSource,
		Token:     "0x00000000000000000000000000000000000000e1",
		Amount:    big.NewInt(10),
		Recipient: "0x00000000000000000000000000000000000000b2",
		Hashlock:  secret.Hashlock(),
		Timelock:  t0.Add(time.Hour).Unix(),
	}
	tx := &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: srcLock}
	if err := p.Sign(tx); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Submit(context.Background(), tx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// lower-case account ids share the checksummed balance
	l.Mint(strings.ToLower(p.Account), im.Token, big.NewInt(5))
	if got := l.Balance(p.Account, im.Token).Int64(); got != 5 {
		t.Fatalf("balance = %d, want 5", got)
	}
}
