package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
)

// Authenticator checks that an account signed a transaction payload and
// puts account ids in canonical form.
type Authenticator interface {
	Verify(account string, payload, sig []byte) bool
	Normalize(account string) string
}

// Secp256k1Auth authenticates EVM accounts (hex addresses).
type Secp256k1Auth struct{}

func (Secp256k1Auth) Verify(account string, payload, sig []byte) bool {
	if !common.IsHexAddress(account) {
		return false
	}
	return crypto.VerifyPayload(common.HexToAddress(account), payload, sig)
}

func (Secp256k1Auth) Normalize(account string) string {
	if common.IsHexAddress(account) {
		return common.HexToAddress(account).Hex()
	}
	return account
}

// BLSAuth authenticates accounts named by their hex BLS public key.
type BLSAuth struct{}

func (BLSAuth) Verify(account string, payload, sig []byte) bool {
	return crypto.VerifyBLS(account, payload, sig)
}

func (BLSAuth) Normalize(account string) string { return strings.ToLower(account) }
