package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// Deriver computes where an escrow lives from its immutables alone, so two
// parties agree on the location before anything is confirmed on chain.
type Deriver interface {
	AddressOf(im Immutables) string
}

var (
	tAddress, _ = abi.NewType("address", "", nil)
	tUint256, _ = abi.NewType("uint256", "", nil)
	tBytes32, _ = abi.NewType("bytes32", "", nil)

	saltArgs = abi.Arguments{
		{Name: "token", Type: tAddress},
		{Name: "amount", Type: tUint256},
		{Name: "recipient", Type: tAddress},
		{Name: "hashlock", Type: tBytes32},
		{Name: "timelock", Type: tUint256},
	}
)

// Create2Deriver mirrors the escrow factory's CREATE2 deployment:
// address = keccak256(0xff ++ factory ++ salt ++ initCodeHash)[12:].
type Create2Deriver struct {
	Factory      common.Address
	InitCodeHash common.Hash
}

// Salt is keccak256(abi.encode(token, amount, recipient, hashlock, timelock)).
func (d Create2Deriver) Salt(im Immutables) common.Hash {
	amount := im.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	packed, err := saltArgs.Pack(
		common.HexToAddress(im.Token),
		amount,
		common.HexToAddress(im.Recipient),
		[32]byte(im.Hashlock),
		big.NewInt(im.Timelock),
	)
	if err != nil {
		// Pack only fails on type mismatch, which the fixed argument list rules out.
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}

func (d Create2Deriver) AddressOf(im Immutables) string {
	salt := d.Salt(im)
	return crypto.CreateAddress2(d.Factory, salt, d.InitCodeHash.Bytes()).Hex()
}

const sha3Domain = "hyperswap.escrow.v1"

// Sha3Deriver addresses escrows on the non-EVM ledger: the hex SHA3-256 of a
// domain tag followed by the length-prefixed immutables.
type Sha3Deriver struct{}

func (Sha3Deriver) AddressOf(im Immutables) string {
	h := sha3.New256()
	h.Write([]byte(sha3Domain))
	writeField(h, []byte(im.Token))
	var amount []byte
	if im.Amount != nil {
		amount = im.Amount.Bytes()
	}
	writeField(h, amount)
	writeField(h, []byte(im.Recipient))
	writeField(h, im.Hashlock[:])
	var tl [8]byte
	binary.BigEndian.PutUint64(tl[:], uint64(im.Timelock))
	writeField(h, tl[:])
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}
