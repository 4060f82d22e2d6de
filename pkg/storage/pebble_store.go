package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/swap"
)

// Store is the node's durable state: orders, fills, the resolver
// allow-list, swaps with their open index, and the sweeper's escrow index.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory backs the store with pebble's in-memory filesystem.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory pebble: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ============================================================================
// Order book
// ============================================================================

func (s *Store) SaveOrder(o *orderbook.Order) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putJSON(b, orderKey(o.Hash), o); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *Store) LoadOrders() ([]*orderbook.Order, error) {
	var orders []*orderbook.Order
	err := s.scan([]byte(prefixOrder), func(key, val []byte) error {
		var o orderbook.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		orders = append(orders, &o)
		return nil
	})
	return orders, err
}

// CommitFill writes the updated order and its new fill record in one batch.
func (s *Store) CommitFill(o *orderbook.Order, f *orderbook.FillRecord) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putJSON(b, orderKey(o.Hash), o); err != nil {
		return err
	}
	if err := s.putJSON(b, fillKey(f.OrderHash, f.Index), f); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit fill: %w", err)
	}
	return nil
}

func (s *Store) LoadFills(h common.Hash) ([]*orderbook.FillRecord, error) {
	var fills []*orderbook.FillRecord
	err := s.scan(fillPrefix(h), func(key, val []byte) error {
		var f orderbook.FillRecord
		if err := json.Unmarshal(val, &f); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		fills = append(fills, &f)
		return nil
	})
	return fills, err
}

func (s *Store) SaveAllowed(addr common.Address, allowed bool) error {
	if allowed {
		return s.db.Set(allowKey(addr), []byte{1}, pebble.Sync)
	}
	return s.db.Delete(allowKey(addr), pebble.Sync)
}

func (s *Store) LoadAllowList() ([]common.Address, error) {
	var out []common.Address
	err := s.scan([]byte(prefixAllow), func(key, _ []byte) error {
		out = append(out, common.HexToAddress(string(key[len(prefixAllow):])))
		return nil
	})
	return out, err
}

// ============================================================================
// Swaps
// ============================================================================

// SaveSwap writes the swap together with its entry in the open index, so
// Poll only ever reads swaps that still need work.
func (s *Store) SaveSwap(sw *swap.Swap) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putJSON(b, swapKey(sw.Hash), sw); err != nil {
		return err
	}
	var err error
	if sw.Phase.Done() {
		err = b.Delete(openKey(sw.Hash), nil)
	} else {
		err = b.Set(openKey(sw.Hash), []byte{1}, nil)
	}
	if err != nil {
		return fmt.Errorf("index swap: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}
	return nil
}

// LoadOpenSwaps returns the swaps whose phase is not done.
func (s *Store) LoadOpenSwaps() ([]*swap.Swap, error) {
	var out []*swap.Swap
	err := s.scan([]byte(prefixOpen), func(key, _ []byte) error {
		h := common.HexToHash(string(key[len(prefixOpen):]))
		sw, err := s.LoadSwap(h)
		if err != nil {
			return err
		}
		if sw != nil {
			out = append(out, sw)
		}
		return nil
	})
	return out, err
}

// LoadSwap returns nil if the swap doesn't exist
func (s *Store) LoadSwap(h common.Hash) (*swap.Swap, error) {
	var sw swap.Swap
	ok, err := s.getJSON(swapKey(h), &sw)
	if err != nil || !ok {
		return nil, err
	}
	return &sw, nil
}

func (s *Store) LoadSwaps() ([]*swap.Swap, error) {
	var out []*swap.Swap
	err := s.scan([]byte(prefixSwap), func(key, val []byte) error {
		var sw swap.Swap
		if err := json.Unmarshal(val, &sw); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, &sw)
		return nil
	})
	return out, err
}

// ============================================================================
// Escrow index
// ============================================================================

func (s *Store) WatchEscrow(ref escrow.Ref) error {
	return s.putJSON(syncWriter{s.db}, escrowKey(ref.Chain, ref.Address), ref)
}

func (s *Store) Unwatch(ref escrow.Ref) error {
	return s.db.Delete(escrowKey(ref.Chain, ref.Address), pebble.Sync)
}

// Watched lists every escrow the sweeper still has to look at.
func (s *Store) Watched() ([]escrow.Ref, error) {
	var out []escrow.Ref
	err := s.scan([]byte(prefixEscrow), func(key, val []byte) error {
		var ref escrow.Ref
		if err := json.Unmarshal(val, &ref); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, ref)
		return nil
	})
	return out, err
}

// syncWriter makes single-key writes durable before returning.
type syncWriter struct{ db *pebble.DB }

func (w syncWriter) Set(key, value []byte, _ *pebble.WriteOptions) error {
	return w.db.Set(key, value, pebble.Sync)
}

var (
	_ orderbook.Store = (*Store)(nil)
	_ swap.Store      = (*Store)(nil)
)
