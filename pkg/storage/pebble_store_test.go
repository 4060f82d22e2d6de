package storage

import (
	"bufio"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/swap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(hash common.Hash) *orderbook.Order {
	return &orderbook.Order{
		Hash:          hash,
		Maker:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		SrcChain:      "evm-devnet",
		DstChain:      "algorand-devnet",
		MakingAmount:  big.NewInt(1_000_000),
		TakingAmount:  big.NewInt(3_000_000),
		MinFillAmount: big.NewInt(200_000),
		Remaining:     big.NewInt(1_000_000),
		Nonce:         big.NewInt(1),
		Hashlocks:     crypto.FillHashlocks(crypto.Secret{0x0a}, 12),
		Status:        orderbook.StatusOpen,
	}
}

func TestOrdersAndFills(t *testing.T) {
	s := newTestStore(t)
	h := common.HexToHash("0x01")
	o := testOrder(h)
	if err := s.SaveOrder(o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	for i := uint32(0); i < 12; i++ {
		o.Remaining.Sub(o.Remaining, big.NewInt(10))
		o.FillCount++
		f := &orderbook.FillRecord{
			OrderHash:     h,
			Index:         i,
			SwapHash:      crypto.SwapHash(h, i),
			Hashlock:      o.Hashlocks[i],
			FillAmount:    big.NewInt(10),
			CounterAmount: big.NewInt(30),
		}
		if err := s.CommitFill(o, f); err != nil {
			t.Fatalf("CommitFill: %v", err)
		}
	}

	orders, err := s.LoadOrders()
	if err != nil || len(orders) != 1 {
		t.Fatalf("LoadOrders: %d orders, err=%v", len(orders), err)
	}
	if orders[0].FillCount != 12 || orders[0].Remaining.Int64() != 1_000_000-120 {
		t.Fatalf("order not updated with fills: %+v", orders[0])
	}

	fills, err := s.LoadFills(h)
	if err != nil || len(fills) != 12 {
		t.Fatalf("LoadFills: %d fills, err=%v", len(fills), err)
	}
	for i, f := range fills {
		if f.Index != uint32(i) || f.Hashlock != o.Hashlocks[i] {
			t.Fatalf("fill %d loaded out of order (index %d)", i, f.Index)
		}
	}
	if other, _ := s.LoadFills(common.HexToHash("0x02")); len(other) != 0 {
		t.Fatal("fills leaked across orders")
	}
}

func TestAllowList(t *testing.T) {
	s := newTestStore(t)
	a := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	b := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	if err := s.SaveAllowed(a, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAllowed(b, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAllowed(a, false); err != nil {
		t.Fatal(err)
	}
	list, err := s.LoadAllowList()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0] != b {
		t.Fatalf("allow list = %v, want [%s]", list, b.Hex())
	}
}

func TestSwapsAndEscrowIndex(t *testing.T) {
	s := newTestStore(t)
	secret, _ := crypto.NewSecret()
	h := crypto.SwapHash(common.HexToHash("0x01"), 0)

	if sw, err := s.LoadSwap(h); err != nil || sw != nil {
		t.Fatalf("unknown swap: %v %v", sw, err)
	}
	sw := &swap.Swap{
		Hash:     h,
		Hashlock: secret.Hashlock(),
		Phase:    swap.PhaseLocked,
		Src: swap.Leg{
			Chain:   "evm-devnet",
			Address: "0xescrow",
			Immutables: escrow.Immutables{
				OrderHash: h,
				Side:      escrow.SideSource,
				Amount:    big.NewInt(5),
				Hashlock:  secret.Hashlock(),
				Timelock:  time.Now().Add(time.Hour).Unix(),
			},
			State: escrow.StateFunded,
		},
	}
	if err := s.SaveSwap(sw); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadSwap(h)
	if err != nil || loaded == nil {
		t.Fatalf("LoadSwap: %v", err)
	}
	if loaded.Phase != swap.PhaseLocked || loaded.Src.Immutables.Amount.Int64() != 5 || loaded.Hashlock != secret.Hashlock() {
		t.Fatalf("swap changed through storage: %+v", loaded)
	}
	all, _ := s.LoadSwaps()
	if len(all) != 1 {
		t.Fatalf("LoadSwaps = %d", len(all))
	}

	ref := sw.Src.Ref(h)
	if err := s.WatchEscrow(ref); err != nil {
		t.Fatal(err)
	}
	watched, err := s.Watched()
	if err != nil || len(watched) != 1 || watched[0] != ref {
		t.Fatalf("Watched = %v, err=%v", watched, err)
	}
	if err := s.Unwatch(ref); err != nil {
		t.Fatal(err)
	}
	if watched, _ := s.Watched(); len(watched) != 0 {
		t.Fatal("escrow still watched after Unwatch")
	}
}

func TestOpenSwapIndexFollowsPhase(t *testing.T) {
	s := newTestStore(t)
	order := common.HexToHash("0x02")
	var hashes []common.Hash
	for i := uint32(0); i < 3; i++ {
		h := crypto.SwapHash(order, i)
		hashes = append(hashes, h)
		if err := s.SaveSwap(&swap.Swap{Hash: h, Phase: swap.PhaseCommitting}); err != nil {
			t.Fatal(err)
		}
	}
	open, err := s.LoadOpenSwaps()
	if err != nil || len(open) != 3 {
		t.Fatalf("LoadOpenSwaps = %d, err=%v", len(open), err)
	}

	for _, phase := range []swap.Phase{swap.PhaseCompleted, swap.PhaseRefunded} {
		if err := s.SaveSwap(&swap.Swap{Hash: hashes[0], Phase: phase}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveSwap(&swap.Swap{Hash: hashes[1], Phase: swap.PhaseFailed}); err != nil {
		t.Fatal(err)
	}
	open, err = s.LoadOpenSwaps()
	if err != nil || len(open) != 1 || open[0].Hash != hashes[2] {
		t.Fatalf("LoadOpenSwaps after settling = %v, err=%v", open, err)
	}
	if all, _ := s.LoadSwaps(); len(all) != 3 {
		t.Fatalf("settled swaps dropped from the store: %d left", len(all))
	}
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := common.HexToHash("0x0f")
	if err := s.SaveOrder(testOrder(h)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	orders, err := s.LoadOrders()
	if err != nil || len(orders) != 1 || orders[0].Hash != h {
		t.Fatalf("after reopen: %d orders, err=%v", len(orders), err)
	}
}

func TestFileJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swaps.jsonl")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, action := range []string{"create", "fund"} {
		if err := j.Append(swap.JournalEntry{Swap: "0x01", Chain: "evm-devnet", Action: action}); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var actions []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e swap.JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad journal line %q: %v", sc.Text(), err)
		}
		actions = append(actions, e.Action)
	}
	if len(actions) != 2 || actions[0] != "create" || actions[1] != "fund" {
		t.Fatalf("journal actions = %v", actions)
	}
}
