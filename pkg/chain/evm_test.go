package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
)

// fakeEVM executes factory calls against an in-memory escrow table.
type fakeEVM struct {
	mu       sync.Mutex
	now      uint64
	nonce    uint64
	escrows  map[common.Address]*escrowView
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	sendErr  error
}

func newFakeEVM() *fakeEVM {
	return &fakeEVM{
		now:      uint64(t0.Unix()),
		escrows:  make(map[common.Address]*escrowView),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeEVM) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := factory.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	v, ok := f.escrows[args[0].(common.Address)]
	if !ok {
		v = &escrowView{Amount: new(big.Int), Timelock: new(big.Int)}
	}
	return m.Outputs.Pack(v.OrderHash, v.Side, v.Token, v.Amount, v.Recipient, v.Depositor,
		v.Hashlock, v.Timelock, v.State, v.Secret, v.Exists)
}

func (f *fakeEVM) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeEVM) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeEVM) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 100_000, nil }

func (f *fakeEVM) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Time: f.now}, nil
}

func (f *fakeEVM) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// SendTransaction mines tx immediately. Only createEscrow and withdraw are
// modelled; the other calls just succeed.
func (f *fakeEVM) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.nonce++
	f.sent = append(f.sent, tx)
	data := tx.Data()
	m, err := factory.MethodById(data[:4])
	if err != nil {
		return err
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return err
	}
	switch m.Name {
	case "createEscrow":
		im := escrow.Immutables{
			Token:     args[2].(common.Address).Hex(),
			Amount:    args[3].(*big.Int),
			Recipient: args[4].(common.Address).Hex(),
			Hashlock:  crypto.Hashlock(args[5].([32]byte)),
			Timelock:  args[6].(*big.Int).Int64(),
		}
		addr := common.HexToAddress(testDeriver.AddressOf(im))
		f.escrows[addr] = &escrowView{
			OrderHash: args[0].([32]byte),
			Side:      args[1].(uint8),
			Token:     args[2].(common.Address),
			Amount:    args[3].(*big.Int),
			Recipient: args[4].(common.Address),
			Hashlock:  args[5].([32]byte),
			Timelock:  args[6].(*big.Int),
			Exists:    true,
		}
	case "fund":
		v := f.escrows[args[0].(common.Address)]
		v.Depositor = args[1].(common.Address)
		v.State = uint8(escrow.StateFunded)
	case "withdraw":
		v := f.escrows[args[0].(common.Address)]
		v.Secret = args[1].([32]byte)
		v.State = uint8(escrow.StateResolved)
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(int64(f.nonce))}
	return nil
}

var testDeriver = escrow.Create2Deriver{
	Factory:      common.HexToAddress("0x000000000000000000000000000000000000fac7"),
	InitCodeHash: common.HexToHash("0x1234"),
}

func newTestEVM(t *testing.T) (*EVMClient, *fakeEVM, Party) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	backend := newFakeEVM()
	c := NewEVMClient(EVMConfig{
		Name:         "evm-devnet",
		ChainID:      big.NewInt(1337),
		Factory:      testDeriver.Factory,
		InitCodeHash: testDeriver.InitCodeHash,
	}, backend, key, zap.NewNop().Sugar())
	return c, backend, Party{Adapter: c, Signer: key, Account: key.Address().Hex()}
}

func evmImmutables(secret crypto.Secret) escrow.Immutables {
	return escrow.Immutables{
		OrderHash: common.HexToHash("0x0a"),
		Side:      escrow.SideSource,
		Token:     common.HexToAddress("0x00000000000000000000000000000000000000e1").Hex(),
		Amount:    big.NewInt(1_000),
		Recipient: common.HexToAddress("0x00000000000000000000000000000000000000b2").Hex(),
		Hashlock:  secret.Hashlock(),
		Timelock:  t0.Add(time.Hour).Unix(),
	}
}

func TestEVMCreateFundResolve(t *testing.T) {
	c, backend, p := newTestEVM(t)
	ctx := context.Background()
	secret, _ := crypto.NewSecret()
	im := evmImmutables(secret)
	addr := c.AddressOf(im)

	send := func(tx *Tx) {
		t.Helper()
		if err := p.Sign(tx); err != nil {
			t.Fatal(err)
		}
		h, err := c.Submit(ctx, tx)
		if err != nil {
			t.Fatalf("%s: %v", tx.Kind, err)
		}
		r, err := c.Confirm(ctx, h)
		if err != nil || r.Status != ReceiptSuccess {
			t.Fatalf("%s receipt: %+v %v", tx.Kind, r, err)
		}
	}
	send(&Tx{Kind: TxCreate, Escrow: im})

	esc, err := c.QueryState(ctx, addr)
	if err != nil {
		t.Fatalf("QueryState: %v", err)
	}
	if !esc.Immutables.Equal(im) || esc.State != escrow.StatePending {
		t.Fatalf("on-chain escrow = %+v", esc)
	}

	send(&Tx{Kind: TxFund, Address: addr})

	// a wrong preimage never reaches the chain
	wrong, _ := crypto.NewSecret()
	tx := &Tx{Kind: TxResolve, Address: addr, Secret: wrong[:]}
	p.Sign(tx)
	if _, err := c.Submit(ctx, tx); !errors.Is(err, errs.ErrSecretMismatch) {
		t.Fatalf("wrong secret err = %v", err)
	}
	sent := len(backend.sent)

	send(&Tx{Kind: TxResolve, Address: addr, Secret: secret[:]})
	esc, _ = c.QueryState(ctx, addr)
	if esc.State != escrow.StateResolved || esc.Secret == nil || *esc.Secret != secret {
		t.Fatalf("escrow after withdraw = %+v", esc)
	}
	if len(backend.sent) != sent+1 {
		t.Fatalf("sent %d txs, want %d", len(backend.sent), sent+1)
	}
}

func TestEVMPreflightTiming(t *testing.T) {
	c, backend, p := newTestEVM(t)
	ctx := context.Background()
	secret, _ := crypto.NewSecret()
	im := evmImmutables(secret)
	for _, tx := range []*Tx{{Kind: TxCreate, Escrow: im}, {Kind: TxFund, Address: c.AddressOf(im)}} {
		p.Sign(tx)
		if _, err := c.Submit(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	refund := &Tx{Kind: TxRefund, Address: c.AddressOf(im)}
	p.Sign(refund)
	if _, err := c.Submit(ctx, refund); !errors.Is(err, errs.ErrTiming) {
		t.Fatalf("early refund err = %v, want timing", err)
	}

	backend.now = uint64(t0.Add(time.Hour + time.Second).Unix())
	resolve := &Tx{Kind: TxResolve, Address: c.AddressOf(im), Secret: secret[:]}
	p.Sign(resolve)
	if _, err := c.Submit(ctx, resolve); !errors.Is(err, errs.ErrTiming) {
		t.Fatalf("late resolve err = %v, want timing", err)
	}
}

func TestEVMDestinationCreateCarriesSourceTimelock(t *testing.T) {
	c, backend, p := newTestEVM(t)
	ctx := context.Background()
	secret, _ := crypto.NewSecret()
	im := evmImmutables(secret)
	im.Side = escrow.SideDestination

	late := &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: im.Timelock}
	p.Sign(late)
	if _, err := c.Submit(ctx, late); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("outliving destination err = %v, want validation", err)
	}
	if len(backend.sent) != 0 {
		t.Fatal("rejected create reached the chain")
	}

	src := im.Timelock + 1800
	ok := &Tx{Kind: TxCreate, Escrow: im, SrcTimelock: src}
	p.Sign(ok)
	if _, err := c.Submit(ctx, ok); err != nil {
		t.Fatal(err)
	}
	data := backend.sent[0].Data()
	args, err := factory.Methods["createEscrow"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if got := args[7].(*big.Int).Int64(); got != src {
		t.Fatalf("srcTimelock arg = %d, want %d", got, src)
	}
}

func TestEVMExternalErrors(t *testing.T) {
	c, backend, p := newTestEVM(t)
	ctx := context.Background()
	secret, _ := crypto.NewSecret()

	if _, err := c.Confirm(ctx, common.HexToHash("0xdead")); !errs.IsRetryable(err) {
		t.Fatalf("unmined tx err = %v, want retryable", err)
	}

	backend.sendErr = errors.New("replacement transaction underpriced")
	tx := &Tx{Kind: TxCreate, Escrow: evmImmutables(secret)}
	p.Sign(tx)
	if _, err := c.Submit(ctx, tx); !errs.IsRetryable(err) {
		t.Fatalf("send err = %v, want retryable", err)
	}

	other, _ := crypto.GenerateKey()
	tx = &Tx{Kind: TxCreate, Escrow: evmImmutables(secret)}
	Party{Adapter: c, Signer: other, Account: other.Address().Hex()}.Sign(tx)
	if _, err := c.Submit(ctx, tx); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("foreign sender err = %v, want validation", err)
	}

	if _, err := c.QueryState(ctx, c.AddressOf(evmImmutables(secret))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing escrow err = %v", err)
	}
}
