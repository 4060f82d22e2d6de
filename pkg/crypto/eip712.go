package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "HyperSwap")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // EVM chain id of the source settlement
	VerifyingContract common.Address // Escrow factory (or zero for off-chain)
}

// SwapOrderEIP712 is the maker-signed order. Token and account fields are
// strings because one leg lives on a ledger with non-EVM identifiers.
type SwapOrderEIP712 struct {
	Nonce         *big.Int
	Maker         common.Address // signing identity
	SrcAccount    string         // account funding the source leg
	Receiver      string         // account receiving the destination leg
	SrcChain      string
	DstChain      string
	MakerAsset    string
	TakerAsset    string
	MakingAmount  *big.Int
	TakingAmount  *big.Int
	MinFillAmount *big.Int
	PartialFills  bool
	Deadline      *big.Int   // unix seconds
	Hashlocks     []Hashlock // one per fill, in fill order
}

// CancelEIP712 represents a cancel order request for EIP-712 signing
type CancelEIP712 struct {
	OrderHash common.Hash
	Maker     common.Address
}

// FillIntentEIP712 authorizes a fill submitted by a resolver.
type FillIntentEIP712 struct {
	OrderHash common.Hash
	Resolver  common.Address
	Amount    *big.Int
	Nonce     *big.Int
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var swapOrderType = []apitypes.Type{
	{Name: "nonce", Type: "uint256"},
	{Name: "maker", Type: "address"},
	{Name: "srcAccount", Type: "string"},
	{Name: "receiver", Type: "string"},
	{Name: "srcChain", Type: "string"},
	{Name: "dstChain", Type: "string"},
	{Name: "makerAsset", Type: "string"},
	{Name: "takerAsset", Type: "string"},
	{Name: "makingAmount", Type: "uint256"},
	{Name: "takingAmount", Type: "uint256"},
	{Name: "minFillAmount", Type: "uint256"},
	{Name: "partialFills", Type: "bool"},
	{Name: "deadline", Type: "uint256"},
	{Name: "hashlocks", Type: "bytes32[]"},
}

var cancelType = []apitypes.Type{
	{Name: "orderHash", Type: "bytes32"},
	{Name: "maker", Type: "address"},
}

var fillIntentType = []apitypes.Type{
	{Name: "orderHash", Type: "bytes32"},
	{Name: "resolver", Type: "address"},
	{Name: "amount", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
}

// EIP712Signer handles EIP-712 typed data hashing, signing and verification
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the devnet domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "HyperSwap",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// hash computes keccak256("\x19\x01" || domainSeparator || structHash)
func (e *EIP712Signer) hash(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte("\x19\x01"), domainSeparator...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256Hash(rawData), nil
}

// HashOrder returns the order digest. The digest doubles as the order id.
func (e *EIP712Signer) HashOrder(o *SwapOrderEIP712) (common.Hash, error) {
	if o.Nonce == nil || o.MakingAmount == nil || o.TakingAmount == nil ||
		o.MinFillAmount == nil || o.Deadline == nil {
		return common.Hash{}, fmt.Errorf("order has unset numeric fields")
	}
	if len(o.Hashlocks) == 0 {
		return common.Hash{}, fmt.Errorf("order commits to no hashlock")
	}
	hashlocks := make([]interface{}, len(o.Hashlocks))
	for i, h := range o.Hashlocks {
		hashlocks[i] = h.Hex()
	}
	return e.hash("SwapOrder", swapOrderType, apitypes.TypedDataMessage{
		"nonce":         o.Nonce.String(),
		"maker":         o.Maker.Hex(),
		"srcAccount":    o.SrcAccount,
		"receiver":      o.Receiver,
		"srcChain":      o.SrcChain,
		"dstChain":      o.DstChain,
		"makerAsset":    o.MakerAsset,
		"takerAsset":    o.TakerAsset,
		"makingAmount":  o.MakingAmount.String(),
		"takingAmount":  o.TakingAmount.String(),
		"minFillAmount": o.MinFillAmount.String(),
		"partialFills":  o.PartialFills,
		"deadline":      o.Deadline.String(),
		"hashlocks":     hashlocks,
	})
}

// SignOrder signs an order and returns the signature
func (e *EIP712Signer) SignOrder(signer *Signer, o *SwapOrderEIP712) ([]byte, error) {
	h, err := e.HashOrder(o)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return signer.SignHash(h.Bytes())
}

// VerifyOrderSignature reports whether signature was made by o.Maker.
func (e *EIP712Signer) VerifyOrderSignature(o *SwapOrderEIP712, signature []byte) (bool, error) {
	h, err := e.HashOrder(o)
	if err != nil {
		return false, fmt.Errorf("failed to hash order: %w", err)
	}
	recovered, err := RecoverAddress(h.Bytes(), signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == o.Maker, nil
}

// HashCancel hashes a cancel request according to EIP-712
func (e *EIP712Signer) HashCancel(c *CancelEIP712) (common.Hash, error) {
	return e.hash("CancelOrder", cancelType, apitypes.TypedDataMessage{
		"orderHash": c.OrderHash.Hex(),
		"maker":     c.Maker.Hex(),
	})
}

func (e *EIP712Signer) SignCancel(signer *Signer, c *CancelEIP712) ([]byte, error) {
	h, err := e.HashCancel(c)
	if err != nil {
		return nil, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return signer.SignHash(h.Bytes())
}

// VerifyCancelSignature reports whether signature was made by c.Maker.
func (e *EIP712Signer) VerifyCancelSignature(c *CancelEIP712, signature []byte) (bool, error) {
	h, err := e.HashCancel(c)
	if err != nil {
		return false, fmt.Errorf("failed to hash cancel: %w", err)
	}
	recovered, err := RecoverAddress(h.Bytes(), signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == c.Maker, nil
}

func (e *EIP712Signer) HashFillIntent(f *FillIntentEIP712) (common.Hash, error) {
	if f.Amount == nil || f.Nonce == nil {
		return common.Hash{}, fmt.Errorf("fill intent has unset numeric fields")
	}
	return e.hash("FillIntent", fillIntentType, apitypes.TypedDataMessage{
		"orderHash": f.OrderHash.Hex(),
		"resolver":  f.Resolver.Hex(),
		"amount":    f.Amount.String(),
		"nonce":     f.Nonce.String(),
	})
}

func (e *EIP712Signer) SignFillIntent(signer *Signer, f *FillIntentEIP712) ([]byte, error) {
	h, err := e.HashFillIntent(f)
	if err != nil {
		return nil, fmt.Errorf("failed to hash fill intent: %w", err)
	}
	return signer.SignHash(h.Bytes())
}

// VerifyFillIntent reports whether signature was made by f.Resolver.
func (e *EIP712Signer) VerifyFillIntent(f *FillIntentEIP712, signature []byte) (bool, error) {
	h, err := e.HashFillIntent(f)
	if err != nil {
		return false, fmt.Errorf("failed to hash fill intent: %w", err)
	}
	recovered, err := RecoverAddress(h.Bytes(), signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == f.Resolver, nil
}
