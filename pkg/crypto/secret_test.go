package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSecretHashlockRoundTrip(t *testing.T) {
	for i := 0; i < 16; i++ {
		s, err := NewSecret()
		if err != nil {
			t.Fatalf("NewSecret: %v", err)
		}
		h := s.Hashlock()
		if want := sha256.Sum256(s[:]); h != Hashlock(want) {
			t.Fatal("hashlock is not sha256(secret)")
		}
		if !h.Matches(s[:]) {
			t.Fatal("secret does not match its own hashlock")
		}

		flipped := s
		flipped[i] ^= 0x01
		if h.Matches(flipped[:]) {
			t.Fatal("a different preimage matched")
		}
	}
}

func TestHashlockRejectsWrongLength(t *testing.T) {
	s, _ := NewSecret()
	h := s.Hashlock()
	if h.Matches(s[:31]) {
		t.Error("31-byte prefix matched")
	}
	if h.Matches(append(s[:], 0)) {
		t.Error("33-byte preimage matched")
	}
	if _, err := HashlockFromBytes(make([]byte, 31)); err == nil {
		t.Error("HashlockFromBytes accepted 31 bytes")
	}
}

func TestParseHashlock(t *testing.T) {
	s, _ := NewSecret()
	h := s.Hashlock()

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"prefixed", h.Hex(), false},
		{"bare", strings.TrimPrefix(h.Hex(), "0x"), false},
		{"short", h.Hex()[:40], true},
		{"not hex", "0x" + strings.Repeat("zz", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHashlock(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHashlock: %v", err)
			}
			if got != h {
				t.Fatalf("got %s, want %s", got.Hex(), h.Hex())
			}
		})
	}
}

func TestSecretJSON(t *testing.T) {
	s, _ := NewSecret()
	b, err := json.Marshal(struct {
		Secret Secret `json:"secret"`
	}{s})
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Secret Secret `json:"secret"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.Secret != s {
		t.Fatal("secret changed through JSON")
	}
}

func TestSwapHashDistinctPerFill(t *testing.T) {
	order := common.HexToHash("0xabc")
	seen := map[common.Hash]bool{}
	for i := uint32(0); i < 8; i++ {
		h := SwapHash(order, i)
		if seen[h] {
			t.Fatalf("duplicate swap hash at index %d", i)
		}
		seen[h] = true
	}
	if SwapHash(order, 3) != SwapHash(order, 3) {
		t.Fatal("swap hash is not deterministic")
	}
}

func TestFillSecretsMatchCommittedHashlocks(t *testing.T) {
	master, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	locks := FillHashlocks(master, 4)
	seen := make(map[Hashlock]bool)
	for i, h := range locks {
		s := FillSecret(master, uint32(i))
		if !h.Matches(s[:]) {
			t.Fatalf("fill %d secret does not open its hashlock", i)
		}
		if s == master {
			t.Fatalf("fill %d secret equals the master secret", i)
		}
		if seen[h] {
			t.Fatalf("fill %d reuses a hashlock", i)
		}
		seen[h] = true
	}
	other := FillSecret(master, 1)
	if locks[0].Matches(other[:]) {
		t.Fatal("secret of fill 1 opens fill 0")
	}
}
