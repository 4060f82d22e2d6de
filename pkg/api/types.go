package api

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/swap"
)

// API request and response types. Amounts travel as decimal strings of
// minimal units so no client loses precision.

// ==============================
// REST Request Types
// ==============================

// OrderRequest is the payload for POST /api/v1/orders: the maker's order
// fields plus the EIP-712 signature over them.
type OrderRequest struct {
	Maker         string `json:"maker"`
	SrcAccount    string `json:"srcAccount"`
	Receiver      string `json:"receiver"`
	SrcChain      string `json:"srcChain"`
	DstChain      string `json:"dstChain"`
	MakerAsset    string `json:"makerAsset"`
	TakerAsset    string `json:"takerAsset"`
	MakingAmount  string `json:"makingAmount"`
	TakingAmount  string `json:"takingAmount"`
	MinFillAmount string `json:"minFillAmount"`
	PartialFills  bool   `json:"partialFills"`
	Nonce         string `json:"nonce"`
	Deadline      int64  `json:"deadline"` // unix seconds
	// Hashlocks are the maker's per-fill commitments, in fill order.
	Hashlocks []string `json:"hashlocks"`
	Signature string   `json:"signature"`
}

// NewOrderRequest renders an order the way the API expects it.
func NewOrderRequest(o *orderbook.Order) OrderRequest {
	return OrderRequest{
		Maker:         o.Maker.Hex(),
		SrcAccount:    o.SrcAccount,
		Receiver:      o.Receiver,
		SrcChain:      o.SrcChain,
		DstChain:      o.DstChain,
		MakerAsset:    o.MakerAsset,
		TakerAsset:    o.TakerAsset,
		MakingAmount:  amount(o.MakingAmount),
		TakingAmount:  amount(o.TakingAmount),
		MinFillAmount: amount(o.MinFillAmount),
		PartialFills:  o.PartialFills,
		Nonce:         amount(o.Nonce),
		Deadline:      o.Deadline,
		Hashlocks:     hashlockHexes(o.Hashlocks),
		Signature:     hexutil.Encode(o.Signature),
	}
}

// Order parses the request. The signature is checked by the order book.
func (r OrderRequest) Order() (*orderbook.Order, error) {
	const op = "api.OrderRequest"
	if !common.IsHexAddress(r.Maker) {
		return nil, errs.Validation(op, "invalid maker address %q", r.Maker)
	}
	o := &orderbook.Order{
		Maker:        common.HexToAddress(r.Maker),
		SrcAccount:   r.SrcAccount,
		Receiver:     r.Receiver,
		SrcChain:     r.SrcChain,
		DstChain:     r.DstChain,
		MakerAsset:   r.MakerAsset,
		TakerAsset:   r.TakerAsset,
		PartialFills: r.PartialFills,
		Deadline:     r.Deadline,
	}
	var err error
	if o.MakingAmount, err = parseAmount("makingAmount", r.MakingAmount); err != nil {
		return nil, err
	}
	if o.TakingAmount, err = parseAmount("takingAmount", r.TakingAmount); err != nil {
		return nil, err
	}
	if r.MinFillAmount == "" {
		o.MinFillAmount = new(big.Int).Set(o.MakingAmount)
	} else if o.MinFillAmount, err = parseAmount("minFillAmount", r.MinFillAmount); err != nil {
		return nil, err
	}
	if o.Nonce, err = parseAmount("nonce", r.Nonce); err != nil {
		return nil, err
	}
	if o.Hashlocks, err = parseHashlocks(r.Hashlocks); err != nil {
		return nil, err
	}
	if o.Signature, err = hexutil.Decode(r.Signature); err != nil {
		return nil, errs.Validation(op, "invalid signature: %v", err)
	}
	return o, nil
}

// FillRequest is the payload for POST /api/v1/orders/{hash}/fills. The
// signature is the resolver's EIP-712 FillIntent over (order, resolver,
// amount, nonce).
type FillRequest struct {
	Resolver string `json:"resolver"`
	Amount   string `json:"amount"`
	// ExpectedRemaining, when set, rejects the fill with 409 if another
	// fill landed after the resolver sized this one.
	ExpectedRemaining string `json:"expectedRemaining,omitempty"`
	Nonce             string `json:"nonce"`
	Signature         string `json:"signature"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/{hash}/cancel.
type CancelOrderRequest struct {
	Signature string `json:"signature"` // EIP-712 Cancel by the maker
}

// ResolveRequest selects which leg POST /api/v1/swaps/{hash}/resolve
// withdraws. "dst" is the maker's reveal and must carry the secret; "src"
// claims the source leg with the secret already public on the
// destination chain.
type ResolveRequest struct {
	Leg    string `json:"leg"`
	Secret string `json:"secret,omitempty"`
}

type RefundRequest struct {
	Side string `json:"side"` // "src" or "dst"
}

func parseSide(s string) (escrow.Side, error) {
	switch strings.ToLower(s) {
	case "src", "source":
		return escrow.SideSource, nil
	case "", "dst", "destination":
		return escrow.SideDestination, nil
	}
	return 0, errs.Validation("api.parseSide", "unknown side %q", s)
}

// ==============================
// REST Response Types
// ==============================

// OrderInfo is an order with its fill progress.
type OrderInfo struct {
	Hash          string   `json:"hash"`
	Maker         string   `json:"maker"`
	SrcAccount    string   `json:"srcAccount"`
	Receiver      string   `json:"receiver"`
	SrcChain      string   `json:"srcChain"`
	DstChain      string   `json:"dstChain"`
	MakerAsset    string   `json:"makerAsset"`
	TakerAsset    string   `json:"takerAsset"`
	MakingAmount  string   `json:"makingAmount"`
	TakingAmount  string   `json:"takingAmount"`
	MinFillAmount string   `json:"minFillAmount"`
	PartialFills  bool     `json:"partialFills"`
	Nonce         string   `json:"nonce"`
	Deadline      int64    `json:"deadline"`
	Hashlocks     []string `json:"hashlocks"`
	Signature     string   `json:"signature"`
	Remaining     string   `json:"remaining"`
	FillCount     int      `json:"fillCount"`
	Resolvers     []string `json:"resolvers,omitempty"`
	Status        string   `json:"status"`    // "open" | "filled" | "cancelled" | "expired"
	CreatedAt     int64    `json:"createdAt"` // Unix milliseconds
	ClosedAt      int64    `json:"closedAt,omitempty"`
}

func newOrderInfo(o *orderbook.Order) OrderInfo {
	info := OrderInfo{
		Hash:          o.Hash.Hex(),
		Maker:         o.Maker.Hex(),
		SrcAccount:    o.SrcAccount,
		Receiver:      o.Receiver,
		SrcChain:      o.SrcChain,
		DstChain:      o.DstChain,
		MakerAsset:    o.MakerAsset,
		TakerAsset:    o.TakerAsset,
		MakingAmount:  amount(o.MakingAmount),
		TakingAmount:  amount(o.TakingAmount),
		MinFillAmount: amount(o.MinFillAmount),
		PartialFills:  o.PartialFills,
		Nonce:         amount(o.Nonce),
		Deadline:      o.Deadline,
		Hashlocks:     hashlockHexes(o.Hashlocks),
		Signature:     hexutil.Encode(o.Signature),
		Remaining:     amount(o.Remaining),
		FillCount:     o.FillCount,
		Status:        o.Status.String(),
		CreatedAt:     o.CreatedAt.UnixMilli(),
	}
	for _, r := range o.Resolvers {
		info.Resolvers = append(info.Resolvers, r.Hex())
	}
	if !o.ClosedAt.IsZero() {
		info.ClosedAt = o.ClosedAt.UnixMilli()
	}
	return info
}

// Order rebuilds the order a remote owner reported, book state included.
func (info OrderInfo) Order() (*orderbook.Order, error) {
	const op = "api.OrderInfo"
	req := OrderRequest{
		Maker:         info.Maker,
		SrcAccount:    info.SrcAccount,
		Receiver:      info.Receiver,
		SrcChain:      info.SrcChain,
		DstChain:      info.DstChain,
		MakerAsset:    info.MakerAsset,
		TakerAsset:    info.TakerAsset,
		MakingAmount:  info.MakingAmount,
		TakingAmount:  info.TakingAmount,
		MinFillAmount: info.MinFillAmount,
		PartialFills:  info.PartialFills,
		Nonce:         info.Nonce,
		Deadline:      info.Deadline,
		Hashlocks:     info.Hashlocks,
		Signature:     info.Signature,
	}
	o, err := req.Order()
	if err != nil {
		return nil, err
	}
	if o.Hash, err = parseHash(info.Hash); err != nil {
		return nil, err
	}
	if o.Remaining, err = parseAmount("remaining", info.Remaining); err != nil {
		return nil, err
	}
	if err := o.Status.UnmarshalText([]byte(info.Status)); err != nil {
		return nil, errs.Validation(op, "%v", err)
	}
	o.FillCount = info.FillCount
	for _, r := range info.Resolvers {
		if !common.IsHexAddress(r) {
			return nil, errs.Validation(op, "invalid resolver address %q", r)
		}
		o.Resolvers = append(o.Resolvers, common.HexToAddress(r))
	}
	o.CreatedAt = time.UnixMilli(info.CreatedAt)
	if info.ClosedAt != 0 {
		o.ClosedAt = time.UnixMilli(info.ClosedAt)
	}
	return o, nil
}

// FillInfo is one accepted fill and the swap that executes it.
type FillInfo struct {
	OrderHash     string `json:"orderHash"`
	Index         uint32 `json:"index"`
	SwapHash      string `json:"swapHash"`
	Hashlock      string `json:"hashlock"`
	Resolver      string `json:"resolver"`
	FillAmount    string `json:"fillAmount"`
	CounterAmount string `json:"counterAmount"`
	Timestamp     int64  `json:"timestamp"` // Unix milliseconds
}

func newFillInfo(f *orderbook.FillRecord) FillInfo {
	return FillInfo{
		OrderHash:     f.OrderHash.Hex(),
		Index:         f.Index,
		SwapHash:      f.SwapHash.Hex(),
		Hashlock:      f.Hashlock.Hex(),
		Resolver:      f.Resolver.Hex(),
		FillAmount:    amount(f.FillAmount),
		CounterAmount: amount(f.CounterAmount),
		Timestamp:     f.Timestamp.UnixMilli(),
	}
}

// FillRecord parses a fill returned by a remote owner.
func (info FillInfo) FillRecord() (*orderbook.FillRecord, error) {
	const op = "api.FillInfo"
	f := &orderbook.FillRecord{Index: info.Index, Timestamp: time.UnixMilli(info.Timestamp)}
	var err error
	if f.OrderHash, err = parseHash(info.OrderHash); err != nil {
		return nil, err
	}
	if f.SwapHash, err = parseHash(info.SwapHash); err != nil {
		return nil, err
	}
	if f.Hashlock, err = crypto.ParseHashlock(info.Hashlock); err != nil {
		return nil, errs.Validation(op, "%v", err)
	}
	if !common.IsHexAddress(info.Resolver) {
		return nil, errs.Validation(op, "invalid resolver address %q", info.Resolver)
	}
	f.Resolver = common.HexToAddress(info.Resolver)
	if f.FillAmount, err = parseAmount("fillAmount", info.FillAmount); err != nil {
		return nil, err
	}
	if f.CounterAmount, err = parseAmount("counterAmount", info.CounterAmount); err != nil {
		return nil, err
	}
	if f.SwapHash != crypto.SwapHash(f.OrderHash, f.Index) {
		return nil, errs.Validation(op, "swap hash %s does not match fill %d", info.SwapHash, f.Index)
	}
	return f, nil
}

// EscrowInfo is one escrow as last observed on its chain.
type EscrowInfo struct {
	Chain     string `json:"chain"`
	Address   string `json:"address"`
	Side      string `json:"side"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Depositor string `json:"depositor,omitempty"`
	Hashlock  string `json:"hashlock"`
	Timelock  int64  `json:"timelock"`
	State     string `json:"state"`
	Secret    string `json:"secret,omitempty"` // public once resolved
}

func newEscrowInfo(leg swap.Leg, live *escrow.Escrow) EscrowInfo {
	info := EscrowInfo{
		Chain:     leg.Chain,
		Address:   leg.Address,
		Side:      leg.Immutables.Side.String(),
		Token:     leg.Immutables.Token,
		Amount:    amount(leg.Immutables.Amount),
		Recipient: leg.Immutables.Recipient,
		Depositor: leg.Depositor,
		Hashlock:  leg.Immutables.Hashlock.Hex(),
		Timelock:  leg.Immutables.Timelock,
		State:     leg.State.String(),
	}
	if live != nil {
		info.State = live.State.String()
		if live.Secret != nil {
			info.Secret = live.Secret.Hex()
		}
	}
	return info
}

// SwapInfo is a swap record; with Live set the escrow states were read
// from chain for this response.
type SwapInfo struct {
	Hash      string     `json:"hash"`
	OrderHash string     `json:"orderHash"`
	FillIndex uint32     `json:"fillIndex"`
	Resolver  string     `json:"resolver"`
	Maker     string     `json:"maker"`
	Phase     string     `json:"phase"`
	Src       EscrowInfo `json:"src"`
	Dst       EscrowInfo `json:"dst"`
	LastError string     `json:"lastError,omitempty"`
	Live      bool       `json:"live"`
	LiveError string     `json:"liveError,omitempty"`
	UpdatedAt int64      `json:"updatedAt"` // Unix milliseconds
}

func newSwapInfo(sw *swap.Swap, live *swap.States) SwapInfo {
	var src, dst *escrow.Escrow
	if live != nil {
		src, dst = live.Src, live.Dst
	}
	return SwapInfo{
		Hash:      sw.Hash.Hex(),
		OrderHash: sw.OrderHash.Hex(),
		FillIndex: sw.FillIndex,
		Resolver:  sw.Resolver.Hex(),
		Maker:     sw.Maker.Hex(),
		Phase:     sw.Phase.String(),
		Src:       newEscrowInfo(sw.Src, src),
		Dst:       newEscrowInfo(sw.Dst, dst),
		LastError: sw.LastError,
		Live:      live != nil,
		UpdatedAt: sw.UpdatedAt.UnixMilli(),
	}
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// Channels a WebSocket client can subscribe to.
const (
	ChannelOrders = "orders"
	ChannelFills  = "fills"
	ChannelSwaps  = "swaps"
)

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type string `json:"type"` // "order", "fill", "swap"
	Data any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["orders", "swaps"]
}

// ==============================
// Helpers
// ==============================

func amount(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func parseAmount(field, s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, errs.Validation("api.parseAmount", "%s: invalid integer %q", field, s)
	}
	return x, nil
}

func hashlockHexes(hs []crypto.Hashlock) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Hex()
	}
	return out
}

func parseHashlocks(ss []string) ([]crypto.Hashlock, error) {
	out := make([]crypto.Hashlock, len(ss))
	for i, s := range ss {
		h, err := crypto.ParseHashlock(s)
		if err != nil {
			return nil, errs.Validation("api.parseHashlocks", "hashlock %d: %v", i, err)
		}
		out[i] = h
	}
	return out, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errs.Validation("api.parseHash", "invalid hash %q", s)
	}
	return common.BytesToHash(b), nil
}
