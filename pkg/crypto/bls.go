package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

// The non-EVM ledger authorizes transactions with BLS12-381 keys
// (public keys in G1, signatures in G2).
type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

type BLSSigner struct {
	sk  *bls.PrivateKey[scheme]
	pk  *BLSPubKey
	acc string
}

// NewBLSSignerFromSeed derives a key from at least 32 bytes of seed material.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive bls key: %w", err)
	}
	pk := sk.PublicKey()
	raw, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode bls public key: %w", err)
	}
	return &BLSSigner{sk: sk, pk: pk, acc: hex.EncodeToString(raw)}, nil
}

// GenerateBLSKey draws a fresh seed from crypto/rand.
func GenerateBLSKey() (*BLSSigner, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate bls seed: %w", err)
	}
	return NewBLSSignerFromSeed(seed)
}

func (s *BLSSigner) Pubkey() *BLSPubKey { return s.pk }

// Account is the ledger account id: hex of the compressed public key.
func (s *BLSSigner) Account() string { return s.acc }

func (s *BLSSigner) Sign(payload []byte) ([]byte, error) {
	return bls.Sign(s.sk, payload), nil
}

// VerifyBLS checks sig over payload against the account's public key.
func VerifyBLS(account string, payload, sig []byte) bool {
	raw, err := hex.DecodeString(account)
	if err != nil {
		return false
	}
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(raw); err != nil {
		return false
	}
	return bls.Verify(pk, payload, bls.Signature(sig))
}
