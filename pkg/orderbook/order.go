package orderbook

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
)

// Status of an order. Only Open orders accept fills.
type Status uint8

const (
	StatusOpen Status = iota
	StatusFilled
	StatusCancelled
	StatusExpired
)

var statusNames = map[Status]string{
	StatusOpen:      "open",
	StatusFilled:    "filled",
	StatusCancelled: "cancelled",
	StatusExpired:   "expired",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown order status %q", b)
}

// Order is a maker's signed intent to swap MakingAmount of MakerAsset on
// SrcChain for TakingAmount of TakerAsset on DstChain. Amounts are minimal
// units of their asset.
type Order struct {
	Hash          common.Hash    `json:"hash"`
	Maker         common.Address `json:"maker"`
	SrcAccount    string         `json:"srcAccount"` // maker's account on SrcChain
	Receiver      string         `json:"receiver"`   // maker's account on DstChain
	SrcChain      string         `json:"srcChain"`
	DstChain      string         `json:"dstChain"`
	MakerAsset    string         `json:"makerAsset"`
	TakerAsset    string         `json:"takerAsset"`
	MakingAmount  *big.Int       `json:"makingAmount"`
	TakingAmount  *big.Int       `json:"takingAmount"`
	MinFillAmount *big.Int       `json:"minFillAmount"`
	PartialFills  bool           `json:"partialFills"`
	Nonce         *big.Int       `json:"nonce"`
	Deadline      int64          `json:"deadline"` // unix seconds
	// Hashlocks holds one maker commitment per fill. Fill i locks both of
	// its escrows under Hashlocks[i], so the order accepts at most
	// len(Hashlocks) fills and only the maker can open them.
	Hashlocks []crypto.Hashlock `json:"hashlocks"`
	Signature hexutil.Bytes     `json:"signature"`

	Remaining *big.Int         `json:"remaining"`
	FillCount int              `json:"fillCount"`
	Resolvers []common.Address `json:"resolvers,omitempty"`
	Status    Status           `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	ClosedAt  time.Time        `json:"closedAt,omitempty"`
}

// TypedData is the EIP-712 message the maker signed.
func (o *Order) TypedData() *crypto.SwapOrderEIP712 {
	return &crypto.SwapOrderEIP712{
		Nonce:         o.Nonce,
		Maker:         o.Maker,
		SrcAccount:    o.SrcAccount,
		Receiver:      o.Receiver,
		SrcChain:      o.SrcChain,
		DstChain:      o.DstChain,
		MakerAsset:    o.MakerAsset,
		TakerAsset:    o.TakerAsset,
		MakingAmount:  o.MakingAmount,
		TakingAmount:  o.TakingAmount,
		MinFillAmount: o.MinFillAmount,
		PartialFills:  o.PartialFills,
		Deadline:      big.NewInt(o.Deadline),
		Hashlocks:     o.Hashlocks,
	}
}

// HashlockFor returns the maker's commitment for fill number index.
func (o *Order) HashlockFor(index uint32) (crypto.Hashlock, bool) {
	if int(index) >= len(o.Hashlocks) {
		return crypto.Hashlock{}, false
	}
	return o.Hashlocks[index], true
}

func (o *Order) IsOpen() bool { return o.Status == StatusOpen }

// Unfilled reports whether no fill has been accepted yet.
func (o *Order) Unfilled() bool {
	return o.Remaining != nil && o.Remaining.Cmp(o.MakingAmount) == 0
}

// EffectiveMinFill is MinFillAmount, or the whole order when partial
// fills are disabled.
func (o *Order) EffectiveMinFill() *big.Int {
	if !o.PartialFills || o.MinFillAmount == nil {
		return o.MakingAmount
	}
	return o.MinFillAmount
}

// CounterAmount is the taker-asset amount owed for a fill of the maker
// asset, rounded up so the maker is never shortchanged.
func (o *Order) CounterAmount(fill *big.Int) *big.Int {
	num := new(big.Int).Mul(fill, o.TakingAmount)
	num.Add(num, new(big.Int).Sub(o.MakingAmount, big.NewInt(1)))
	return num.Quo(num, o.MakingAmount)
}

func (o *Order) hasResolver(addr common.Address) bool {
	for _, r := range o.Resolvers {
		if r == addr {
			return true
		}
	}
	return false
}

func (o *Order) Clone() *Order {
	out := *o
	out.MakingAmount = cloneInt(o.MakingAmount)
	out.TakingAmount = cloneInt(o.TakingAmount)
	out.MinFillAmount = cloneInt(o.MinFillAmount)
	out.Nonce = cloneInt(o.Nonce)
	out.Remaining = cloneInt(o.Remaining)
	out.Signature = append(hexutil.Bytes(nil), o.Signature...)
	out.Hashlocks = append([]crypto.Hashlock(nil), o.Hashlocks...)
	out.Resolvers = append([]common.Address(nil), o.Resolvers...)
	return &out
}

// FillRecord is appended once per accepted fill and never changes.
type FillRecord struct {
	OrderHash     common.Hash     `json:"orderHash"`
	Index         uint32          `json:"index"`
	SwapHash      common.Hash     `json:"swapHash"` // keys the two-leg swap executing this slice
	Hashlock      crypto.Hashlock `json:"hashlock"` // the order's commitment for this index
	Resolver      common.Address  `json:"resolver"`
	FillAmount    *big.Int        `json:"fillAmount"`
	CounterAmount *big.Int        `json:"counterAmount"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (f *FillRecord) Clone() *FillRecord {
	out := *f
	out.FillAmount = cloneInt(f.FillAmount)
	out.CounterAmount = cloneInt(f.CounterAmount)
	return &out
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
