package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for Pebble storage:
//
//   ord:<orderHash>               → Order
//   fill:<orderHash>:<index>      → FillRecord (index zero-padded, 10 digits)
//   allow:<address>               → allow-list marker
//   swap:<swapHash>               → Swap
//   open:<swapHash>               → marker for a swap whose phase is not done
//   esc:<chain>:<address>         → escrow.Ref watched by the sweeper

// Key prefixes
const (
	prefixOrder  = "ord:"
	prefixFill   = "fill:"
	prefixAllow  = "allow:"
	prefixSwap   = "swap:"
	prefixOpen   = "open:"
	prefixEscrow = "esc:"
)

// orderKey returns the key for an order
// Format: "ord:{hash}"
func orderKey(h common.Hash) []byte {
	return []byte(prefixOrder + h.Hex())
}

// fillKey returns the key for a fill record
// Format: "fill:{orderHash}:{index}"
func fillKey(h common.Hash, index uint32) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixFill, h.Hex(), index))
}

// fillPrefix returns the prefix for all fills of an order
// Format: "fill:{orderHash}:"
func fillPrefix(h common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, h.Hex()))
}

func allowKey(addr common.Address) []byte {
	return []byte(prefixAllow + addr.Hex())
}

func swapKey(h common.Hash) []byte {
	return []byte(prefixSwap + h.Hex())
}

func openKey(h common.Hash) []byte {
	return []byte(prefixOpen + h.Hex())
}

// escrowKey returns the key for a watched escrow
// Format: "esc:{chain}:{address}"
func escrowKey(chain, address string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixEscrow, chain, address))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
