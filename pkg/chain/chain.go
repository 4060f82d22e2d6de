package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
)

// ErrNotFound is returned by QueryState for an address with no escrow.
var ErrNotFound = errors.New("escrow not found")

// TxHash identifies a submitted transaction.
type TxHash = common.Hash

type TxKind uint8

const (
	TxCreate TxKind = iota + 1
	TxFund
	TxResolve
	TxRefund
	TxApprove
)

func (k TxKind) String() string {
	switch k {
	case TxCreate:
		return "create"
	case TxFund:
		return "fund"
	case TxResolve:
		return "resolve"
	case TxRefund:
		return "refund"
	case TxApprove:
		return "approve"
	default:
		return "unknown"
	}
}

// Tx is a ledger-neutral escrow transaction.
type Tx struct {
	Chain       string
	Kind        TxKind
	From        string
	Escrow      escrow.Immutables // TxCreate
	SrcTimelock int64             // destination TxCreate: the source leg's timelock
	Address     string            // TxFund, TxResolve, TxRefund
	Depositor   string            // TxFund; empty means From
	Secret      []byte            // TxResolve
	Token       string            // TxApprove
	Spender     string            // TxApprove
	Amount      *big.Int          // TxApprove
	Nonce       uint64
	Signature   []byte
}

type txPayload struct {
	Chain     string
	Kind      uint8
	From      string
	OrderHash common.Hash
	Side      uint8
	Token     string
	Amount    *big.Int
	Recipient string
	Hashlock  [32]byte
	Timelock  uint64
	Address   string
	Depositor string
	Secret    []byte
	Spender   string
	Allowance *big.Int
	Nonce     uint64
	SrcLock   uint64
}

// Payload is the RLP encoding the sender signs.
func (tx *Tx) Payload() []byte {
	p := txPayload{
		Chain:     tx.Chain,
		Kind:      uint8(tx.Kind),
		From:      tx.From,
		OrderHash: tx.Escrow.OrderHash,
		Side:      uint8(tx.Escrow.Side),
		Token:     tx.Escrow.Token,
		Amount:    nonNil(tx.Escrow.Amount),
		Recipient: tx.Escrow.Recipient,
		Hashlock:  tx.Escrow.Hashlock,
		Timelock:  uint64(tx.Escrow.Timelock),
		Address:   tx.Address,
		Depositor: tx.Depositor,
		Secret:    tx.Secret,
		Spender:   tx.Spender,
		Allowance: nonNil(tx.Amount),
		Nonce:     tx.Nonce,
		SrcLock:   uint64(tx.SrcTimelock),
	}
	if tx.Kind == TxApprove {
		p.Token = tx.Token
	}
	b, err := rlp.EncodeToBytes(&p)
	if err != nil {
		panic(fmt.Errorf("encode tx payload: %w", err))
	}
	return b
}

// Hash is keccak256(payload || signature).
func (tx *Tx) Hash() TxHash {
	return ethcrypto.Keccak256Hash(tx.Payload(), tx.Signature)
}

func nonNil(x *big.Int) *big.Int {
	if x == nil || x.Sign() < 0 {
		return new(big.Int)
	}
	return x
}

type ReceiptStatus uint8

const (
	ReceiptSuccess ReceiptStatus = iota + 1
	ReceiptFailed
)

type Receipt struct {
	TxHash TxHash
	Status ReceiptStatus
	Block  uint64
	Escrow *escrow.Escrow // post-state, when the ledger reports it
}

// Adapter is the only way the engine observes or changes a ledger.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, tx *Tx) (TxHash, error)
	Confirm(ctx context.Context, h TxHash) (*Receipt, error)
	QueryState(ctx context.Context, address string) (*escrow.Escrow, error)
	AddressOf(im escrow.Immutables) string
	Now(ctx context.Context) (time.Time, error)
}

// Party is an account that signs and submits on one ledger.
type Party struct {
	Adapter Adapter
	Signer  crypto.PayloadSigner
	Account string
}

// Sign stamps tx with the party's chain, account and a fresh nonce, then
// signs it.
func (p Party) Sign(tx *Tx) error {
	tx.Chain = p.Adapter.Name()
	tx.From = p.Account
	if tx.Nonce == 0 {
		n, err := crypto.GenerateNonce()
		if err != nil {
			return err
		}
		tx.Nonce = n
	}
	sig, err := p.Signer.Sign(tx.Payload())
	if err != nil {
		return fmt.Errorf("sign %s tx: %w", tx.Kind, err)
	}
	tx.Signature = sig
	return nil
}
