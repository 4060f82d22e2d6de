package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SecretSize is the preimage length accepted by both ledgers.
const SecretSize = 32

// Secret is a swap preimage. It stays private until it resolves an escrow.
type Secret [SecretSize]byte

// Hashlock is SHA-256(secret). SHA-256 is native on the non-EVM ledger and
// available as a precompile on the EVM side, so both legs verify the same
// commitment.
type Hashlock [sha256.Size]byte

// NewSecret draws a fresh preimage from crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return s, nil
}

func (s Secret) Hashlock() Hashlock { return sha256.Sum256(s[:]) }
func (s Secret) Hex() string        { return "0x" + hex.EncodeToString(s[:]) }
func (s Secret) IsZero() bool       { return s == Secret{} }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.Hex()), nil }

func (s *Secret) UnmarshalText(b []byte) error {
	parsed, err := ParseSecret(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (h Hashlock) Hex() string  { return "0x" + hex.EncodeToString(h[:]) }
func (h Hashlock) IsZero() bool { return h == Hashlock{} }

func (h Hashlock) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hashlock) UnmarshalText(b []byte) error {
	parsed, err := ParseHashlock(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Matches reports whether preimage hashes to h. Any preimage that is not
// exactly SecretSize bytes never matches.
func (h Hashlock) Matches(preimage []byte) bool {
	if len(preimage) != SecretSize {
		return false
	}
	sum := sha256.Sum256(preimage)
	return subtle.ConstantTimeCompare(sum[:], h[:]) == 1
}

// ParseSecret decodes a 32-byte hex preimage (with or without 0x).
func ParseSecret(s string) (Secret, error) {
	b, err := decodeFixedHex(s, SecretSize)
	if err != nil {
		return Secret{}, fmt.Errorf("invalid secret: %w", err)
	}
	var out Secret
	copy(out[:], b)
	return out, nil
}

// ParseHashlock decodes a 32-byte hex hashlock (with or without 0x).
func ParseHashlock(s string) (Hashlock, error) {
	b, err := decodeFixedHex(s, sha256.Size)
	if err != nil {
		return Hashlock{}, fmt.Errorf("invalid hashlock: %w", err)
	}
	var out Hashlock
	copy(out[:], b)
	return out, nil
}

// HashlockFromBytes rejects anything that is not exactly 32 bytes.
func HashlockFromBytes(b []byte) (Hashlock, error) {
	if len(b) != sha256.Size {
		return Hashlock{}, fmt.Errorf("hashlock must be %d bytes, got %d", sha256.Size, len(b))
	}
	var out Hashlock
	copy(out[:], b)
	return out, nil
}

// FillSecret derives the preimage of fill number index from a maker's
// master secret: keccak256(master || uint32be(index)). A maker keeps only
// the master secret and commits to FillHashlocks in the signed order.
func FillSecret(master Secret, index uint32) Secret {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	var out Secret
	copy(out[:], crypto.Keccak256(master[:], idx[:]))
	return out
}

// FillHashlocks returns the hashlocks of fills 0..n-1.
func FillHashlocks(master Secret, n int) []Hashlock {
	out := make([]Hashlock, n)
	for i := range out {
		out[i] = FillSecret(master, uint32(i)).Hashlock()
	}
	return out
}

// SwapHash keys the two-leg swap that executes fill number index of an
// order: keccak256(orderHash || uint32be(index)).
func SwapHash(orderHash common.Hash, index uint32) common.Hash {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return crypto.Keccak256Hash(orderHash[:], idx[:])
}

func decodeFixedHex(s string, size int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("want %d bytes, got %d", size, len(b))
	}
	return b, nil
}
