package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/chain"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/metrics"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/storage"
	"github.com/uhyunpark/hyperswap/pkg/swap"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

var t0 = time.Unix(1_700_000_000, 0)

const srcToken = "0x00000000000000000000000000000000000000E1"

type apiFixture struct {
	clock    *util.ManualClock
	eip712   *crypto.EIP712Signer
	book     *orderbook.Book
	coord    *swap.Coordinator
	src, dst *chain.Ledger
	srv      *Server
	handler  http.Handler

	maker       *crypto.Signer
	master      crypto.Secret
	receiver    *crypto.BLSSigner
	resolver    *crypto.Signer
	resolverDst *crypto.BLSSigner
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	f := &apiFixture{clock: util.NewManualClock(t0), eip712: crypto.NewEIP712Signer(crypto.DefaultDomain())}

	st, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	if f.book, err = orderbook.New(st, f.eip712, f.clock, params.Book{MaxPartialFills: 10}, log, metrics.New()); err != nil {
		t.Fatal(err)
	}

	limits := escrow.Limits{MinTimelock: 10 * time.Minute, MaxTimelock: 48 * time.Hour}
	f.src = chain.NewLedger("evm-devnet", escrow.Create2Deriver{Factory: common.HexToAddress("0xfac7")},
		chain.Secp256k1Auth{}, f.clock, limits, log)
	f.dst = chain.NewLedger("algorand-devnet", escrow.Sha3Deriver{}, chain.BLSAuth{}, f.clock, limits, log)

	f.maker, _ = crypto.GenerateKey()
	f.master, _ = crypto.NewSecret()
	f.receiver, _ = crypto.GenerateBLSKey()
	f.resolver, _ = crypto.GenerateKey()
	f.resolverDst, _ = crypto.GenerateBLSKey()
	if err := f.book.AllowResolver(f.resolver.Address()); err != nil {
		t.Fatal(err)
	}

	f.coord = swap.NewCoordinator(swap.Config{
		TimelockSrc:      time.Hour,
		TimelockDst:      30 * time.Minute,
		MinTimelockGap:   5 * time.Minute,
		ChainCallTimeout: time.Second,
		Retry:            swap.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond},
	}, []chain.Party{
		{Adapter: f.src, Signer: f.resolver, Account: f.resolver.Address().Hex()},
		{Adapter: f.dst, Signer: f.resolverDst, Account: f.resolverDst.Account()},
	}, st, storage.NewNopJournal(), f.clock, log, metrics.New())

	f.srv = NewServer(f.book, f.coord, f.eip712, metrics.New(), log)
	f.handler = f.srv.Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (f *apiFixture) signedOrder(t *testing.T) OrderRequest {
	t.Helper()
	o := &orderbook.Order{
		Maker:         f.maker.Address(),
		SrcAccount:    f.maker.Address().Hex(),
		Receiver:      f.receiver.Account(),
		SrcChain:      "evm-devnet",
		DstChain:      "algorand-devnet",
		MakerAsset:    srcToken,
		TakerAsset:    "ALGO",
		MakingAmount:  big.NewInt(1_000_000),
		TakingAmount:  big.NewInt(3_000_000),
		MinFillAmount: big.NewInt(200_000),
		PartialFills:  true,
		Nonce:         big.NewInt(7),
		Deadline:      t0.Add(time.Hour).Unix(),
		Hashlocks:     crypto.FillHashlocks(f.master, 4),
	}
	sig, err := f.eip712.SignOrder(f.maker, o.TypedData())
	if err != nil {
		t.Fatal(err)
	}
	o.Signature = sig
	return NewOrderRequest(o)
}

func (f *apiFixture) place(t *testing.T) OrderInfo {
	t.Helper()
	rec := f.do(t, "POST", "/api/v1/orders", f.signedOrder(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("place order: %d %s", rec.Code, rec.Body)
	}
	return decodeBody[OrderInfo](t, rec)
}

func (f *apiFixture) fillRequest(t *testing.T, signer *crypto.Signer, order string, amount, nonce int64) FillRequest {
	t.Helper()
	intent := &crypto.FillIntentEIP712{
		OrderHash: common.HexToHash(order),
		Resolver:  signer.Address(),
		Amount:    big.NewInt(amount),
		Nonce:     big.NewInt(nonce),
	}
	sig, err := f.eip712.SignFillIntent(signer, intent)
	if err != nil {
		t.Fatal(err)
	}
	return FillRequest{
		Resolver:  signer.Address().Hex(),
		Amount:    fmt.Sprint(amount),
		Nonce:     fmt.Sprint(nonce),
		Signature: hexutil.Encode(sig),
	}
}

func TestPlaceAndGetOrder(t *testing.T) {
	f := newAPIFixture(t)
	placed := f.place(t)
	if placed.Status != "open" || placed.Remaining != "1000000" {
		t.Fatalf("placed = %+v", placed)
	}
	if len(placed.Hashlocks) != 4 || placed.Hashlocks[0] != crypto.FillSecret(f.master, 0).Hashlock().Hex() || placed.Signature == "" {
		t.Fatalf("placed order lost its signed commitments: %+v", placed)
	}

	rec := f.do(t, "GET", "/api/v1/orders/"+placed.Hash, nil)
	if rec.Code != http.StatusOK || decodeBody[OrderInfo](t, rec).Hash != placed.Hash {
		t.Fatalf("get order: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, "GET", "/api/v1/orders", nil)
	if list := decodeBody[[]OrderInfo](t, rec); len(list) != 1 {
		t.Fatalf("open orders = %d", len(list))
	}
}

func TestOrderErrors(t *testing.T) {
	f := newAPIFixture(t)

	bad := f.signedOrder(t)
	bad.TakingAmount = "4000000" // no longer what the maker signed
	if rec := f.do(t, "POST", "/api/v1/orders", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("tampered order: %d", rec.Code)
	}

	missing := common.HexToHash("0xdead").Hex()
	rec := f.do(t, "GET", "/api/v1/orders/"+missing, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown order: %d", rec.Code)
	}
	if e := decodeBody[ErrorResponse](t, rec); e.Kind != "validation" {
		t.Fatalf("error body = %+v", e)
	}

	if rec := f.do(t, "GET", "/api/v1/orders/0x12", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed hash: %d", rec.Code)
	}
}

func TestSubmitFill(t *testing.T) {
	f := newAPIFixture(t)
	order := f.place(t)
	path := "/api/v1/orders/" + order.Hash + "/fills"

	req := f.fillRequest(t, f.resolver, order.Hash, 300_000, 1)
	rec := f.do(t, "POST", path, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fill: %d %s", rec.Code, rec.Body)
	}
	fill := decodeBody[FillInfo](t, rec)
	if fill.Index != 0 || fill.CounterAmount != "900000" || fill.Hashlock != crypto.FillSecret(f.master, 0).Hashlock().Hex() {
		t.Fatalf("fill = %+v", fill)
	}

	// the same signed intent cannot fill twice
	if rec := f.do(t, "POST", path, req); rec.Code != http.StatusConflict {
		t.Fatalf("replayed intent: %d", rec.Code)
	}

	// sized against a stale remaining amount
	stale := f.fillRequest(t, f.resolver, order.Hash, 300_000, 2)
	stale.ExpectedRemaining = "1000000"
	if rec := f.do(t, "POST", path, stale); rec.Code != http.StatusConflict {
		t.Fatalf("stale fill: %d", rec.Code)
	}

	// more than what is left
	over := f.fillRequest(t, f.resolver, order.Hash, 800_000, 3)
	if rec := f.do(t, "POST", path, over); rec.Code != http.StatusConflict {
		t.Fatalf("overfill: %d", rec.Code)
	}

	stranger, _ := crypto.GenerateKey()
	if rec := f.do(t, "POST", path, f.fillRequest(t, stranger, order.Hash, 300_000, 4)); rec.Code != http.StatusBadRequest {
		t.Fatalf("unlisted resolver: %d", rec.Code)
	}

	forged := f.fillRequest(t, f.resolver, order.Hash, 300_000, 5)
	forged.Amount = "400000"
	if rec := f.do(t, "POST", path, forged); rec.Code != http.StatusBadRequest {
		t.Fatalf("forged intent: %d", rec.Code)
	}

	rec = f.do(t, "GET", path, nil)
	if fills := decodeBody[[]FillInfo](t, rec); len(fills) != 1 {
		t.Fatalf("fills = %d", len(fills))
	}
}

func TestAcceptedFillsReachListeners(t *testing.T) {
	f := newAPIFixture(t)
	order := f.place(t)

	var got []*orderbook.FillRecord
	f.srv.OnFillAccepted(func(o *orderbook.Order, fill *orderbook.FillRecord) {
		if o.Hash.Hex() != order.Hash || len(o.Hashlocks) != 4 {
			t.Errorf("listener got order %s", o.Hash.Hex())
		}
		got = append(got, fill)
	})

	path := "/api/v1/orders/" + order.Hash + "/fills"
	if rec := f.do(t, "POST", path, f.fillRequest(t, f.resolver, order.Hash, 300_000, 1)); rec.Code != http.StatusOK {
		t.Fatalf("fill: %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, "POST", path, f.fillRequest(t, f.resolver, order.Hash, 900_000, 2)); rec.Code != http.StatusConflict {
		t.Fatalf("overfill: %d", rec.Code)
	}
	if len(got) != 1 || got[0].Resolver != f.resolver.Address() || got[0].Index != 0 {
		t.Fatalf("listener saw %d fills", len(got))
	}
}

func TestCancelOrder(t *testing.T) {
	f := newAPIFixture(t)
	order := f.place(t)
	sig, err := f.eip712.SignCancel(f.maker, &crypto.CancelEIP712{OrderHash: common.HexToHash(order.Hash), Maker: f.maker.Address()})
	if err != nil {
		t.Fatal(err)
	}
	path := "/api/v1/orders/" + order.Hash + "/cancel"

	other, _ := crypto.GenerateKey()
	forged, _ := f.eip712.SignCancel(other, &crypto.CancelEIP712{OrderHash: common.HexToHash(order.Hash), Maker: f.maker.Address()})
	if rec := f.do(t, "POST", path, CancelOrderRequest{Signature: hexutil.Encode(forged)}); rec.Code != http.StatusBadRequest {
		t.Fatalf("cancel by stranger: %d", rec.Code)
	}

	rec := f.do(t, "POST", path, CancelOrderRequest{Signature: hexutil.Encode(sig)})
	if rec.Code != http.StatusOK || decodeBody[OrderInfo](t, rec).Status != "cancelled" {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, "POST", path, CancelOrderRequest{Signature: hexutil.Encode(sig)}); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", rec.Code)
	}
}

// commitSwap fills the order through the API and locks both legs.
func (f *apiFixture) commitSwap(t *testing.T) string {
	t.Helper()
	order := f.place(t)
	rec := f.do(t, "POST", "/api/v1/orders/"+order.Hash+"/fills", f.fillRequest(t, f.resolver, order.Hash, 300_000, 1))
	if rec.Code != http.StatusOK {
		t.Fatalf("fill: %d %s", rec.Code, rec.Body)
	}
	fill := decodeBody[FillInfo](t, rec)

	f.src.Mint(f.maker.Address().Hex(), srcToken, big.NewInt(1_000_000))
	f.dst.Mint(f.resolverDst.Account(), "ALGO", big.NewInt(1_000_000))
	approve := &chain.Tx{Kind: chain.TxApprove, Token: srcToken, Spender: f.resolver.Address().Hex(), Amount: big.NewInt(300_000)}
	if err := (chain.Party{Adapter: f.src, Signer: f.maker, Account: f.maker.Address().Hex()}).Sign(approve); err != nil {
		t.Fatal(err)
	}
	if _, err := f.src.Submit(context.Background(), approve); err != nil {
		t.Fatal(err)
	}

	o, err := f.book.GetOrder(common.HexToHash(order.Hash))
	if err != nil {
		t.Fatal(err)
	}
	records := f.book.Fills(o.Hash)
	if err := f.coord.Commit(context.Background(), o, records[0]); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return fill.SwapHash
}

func TestSwapResolveFlow(t *testing.T) {
	f := newAPIFixture(t)
	h := f.commitSwap(t)

	rec := f.do(t, "GET", "/api/v1/swaps/"+h, nil)
	got := decodeBody[SwapInfo](t, rec)
	if rec.Code != http.StatusOK || !got.Live || got.Phase != "locked" || got.Src.State != "funded" || got.Dst.State != "funded" {
		t.Fatalf("swap before reveal: %d %+v", rec.Code, got)
	}

	// refunding before the timelock is a timing error
	if rec := f.do(t, "POST", "/api/v1/swaps/"+h+"/refund", RefundRequest{Side: "dst"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("early refund: %d %s", rec.Code, rec.Body)
	}
	// claiming the source before the secret is public conflicts
	if rec := f.do(t, "POST", "/api/v1/swaps/"+h+"/resolve", ResolveRequest{Leg: "src"}); rec.Code != http.StatusConflict {
		t.Fatalf("early claim: %d %s", rec.Code, rec.Body)
	}

	f.clock.Set(t0.Add(1700 * time.Second))
	// the node holds no secret: revealing needs the maker's preimage
	if rec := f.do(t, "POST", "/api/v1/swaps/"+h+"/resolve", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("reveal without secret: %d %s", rec.Code, rec.Body)
	}
	wrong := ResolveRequest{Leg: "dst", Secret: crypto.FillSecret(f.master, 1).Hex()}
	if rec := f.do(t, "POST", "/api/v1/swaps/"+h+"/resolve", wrong); rec.Code != http.StatusForbidden {
		t.Fatalf("reveal with another fill's secret: %d %s", rec.Code, rec.Body)
	}
	rec = f.do(t, "POST", "/api/v1/swaps/"+h+"/resolve", ResolveRequest{Leg: "dst", Secret: crypto.FillSecret(f.master, 0).Hex()})
	if rec.Code != http.StatusOK || decodeBody[SwapInfo](t, rec).Phase != "revealed" {
		t.Fatalf("reveal: %d %s", rec.Code, rec.Body)
	}

	f.clock.Set(t0.Add(3600 * time.Second))
	rec = f.do(t, "POST", "/api/v1/swaps/"+h+"/resolve", ResolveRequest{Leg: "src"})
	if rec.Code != http.StatusOK || decodeBody[SwapInfo](t, rec).Phase != "completed" {
		t.Fatalf("claim: %d %s", rec.Code, rec.Body)
	}

	got = decodeBody[SwapInfo](t, f.do(t, "GET", "/api/v1/swaps/"+h, nil))
	if got.Dst.Secret == "" || got.Src.State != "resolved" {
		t.Fatalf("after claim: %+v", got)
	}
	if got := f.dst.Balance(f.receiver.Account(), "ALGO"); got.Int64() != 900_000 {
		t.Fatalf("maker received %s", got)
	}

	if list := decodeBody[[]SwapInfo](t, f.do(t, "GET", "/api/v1/swaps", nil)); len(list) != 1 {
		t.Fatalf("swaps = %d", len(list))
	}
}

func TestSwapRefundAfterTimelock(t *testing.T) {
	f := newAPIFixture(t)
	h := f.commitSwap(t)

	if rec := f.do(t, "POST", "/api/v1/swaps/"+h+"/refund", RefundRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("refund without side: %d", rec.Code)
	}

	f.clock.Set(t0.Add(1801 * time.Second))
	rec := f.do(t, "POST", "/api/v1/swaps/"+h+"/refund", RefundRequest{Side: "dst"})
	if rec.Code != http.StatusOK || decodeBody[SwapInfo](t, rec).Dst.State != "refunded" {
		t.Fatalf("refund: %d %s", rec.Code, rec.Body)
	}
	// a second refund is a no-op
	if rec := f.do(t, "POST", "/api/v1/swaps/"+h+"/refund", RefundRequest{Side: "dst"}); rec.Code != http.StatusOK {
		t.Fatalf("second refund: %d %s", rec.Code, rec.Body)
	}
	if got := f.dst.Balance(f.resolverDst.Account(), "ALGO"); got.Int64() != 1_000_000 {
		t.Fatalf("resolver balance = %s", got)
	}

	if rec := f.do(t, "GET", "/api/v1/swaps/"+common.HexToHash("0xbeef").Hex(), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown swap: %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	if rec := f.do(t, "GET", "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/metrics", nil); rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("go_goroutines")) {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.Validation("op", "bad"), http.StatusBadRequest},
		{errs.Wrap(errs.KindValidation, "op", orderbook.ErrOrderNotFound), http.StatusNotFound},
		{errs.Wrap(errs.KindValidation, "op", swap.ErrSwapNotFound), http.StatusNotFound},
		{errs.StateConflict("op", "late"), http.StatusConflict},
		{errs.Timing("op", "early"), http.StatusUnprocessableEntity},
		{errs.SecretMismatch("op", "wrong"), http.StatusForbidden},
		{errs.External("op", "rpc"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
