package p2p

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
)

func init() {
	gob.Register(OrderWire{})
}

// OrderWire announces a maker order: the signed fields plus the API URL of
// the node whose book owns it. Receivers never place the order themselves;
// they read and fill it at Owner.
type OrderWire struct {
	Owner         string
	Maker         common.Address
	SrcAccount    string
	Receiver      string
	SrcChain      string
	DstChain      string
	MakerAsset    string
	TakerAsset    string
	MakingAmount  *big.Int
	TakingAmount  *big.Int
	MinFillAmount *big.Int
	PartialFills  bool
	Nonce         *big.Int
	Deadline      int64
	Hashlocks     []crypto.Hashlock
	Signature     []byte
}

func newOrderWire(o *orderbook.Order, owner string) OrderWire {
	return OrderWire{
		Owner:         owner,
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
		Nonce:         o.Nonce,
		Deadline:      o.Deadline,
		Hashlocks:     o.Hashlocks,
		Signature:     o.Signature,
	}
}

var errIncompleteOrder = errors.New("p2p: order is missing its owner, amounts, hashlocks or signature")

// Order rebuilds the unplaced order. The signature is checked by the book.
func (w OrderWire) Order() (*orderbook.Order, error) {
	if w.Owner == "" || w.MakingAmount == nil || w.TakingAmount == nil || w.MinFillAmount == nil ||
		w.Nonce == nil || len(w.Hashlocks) == 0 || len(w.Signature) == 0 {
		return nil, errIncompleteOrder
	}
	return &orderbook.Order{
		Maker:         w.Maker,
		SrcAccount:    w.SrcAccount,
		Receiver:      w.Receiver,
		SrcChain:      w.SrcChain,
		DstChain:      w.DstChain,
		MakerAsset:    w.MakerAsset,
		TakerAsset:    w.TakerAsset,
		MakingAmount:  new(big.Int).Set(w.MakingAmount),
		TakingAmount:  new(big.Int).Set(w.TakingAmount),
		MinFillAmount: new(big.Int).Set(w.MinFillAmount),
		PartialFills:  w.PartialFills,
		Nonce:         new(big.Int).Set(w.Nonce),
		Deadline:      w.Deadline,
		Hashlocks:     append([]crypto.Hashlock(nil), w.Hashlocks...),
		Signature:     append([]byte(nil), w.Signature...),
	}, nil
}

func encodeOrder(o *orderbook.Order, owner string) ([]byte, error) {
	return gobEncode(newOrderWire(o, owner))
}

// decodeOrder returns the announced order and its owner's API URL.
func decodeOrder(b []byte) (*orderbook.Order, string, error) {
	var w OrderWire
	if err := gobDecode(b, &w); err != nil {
		return nil, "", err
	}
	o, err := w.Order()
	if err != nil {
		return nil, "", err
	}
	return o, w.Owner, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
