package swap

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
)

var ErrSwapNotFound = errors.New("swap not found")

// Phase is the coordinator's view of a two-leg swap. It is always
// re-derived from on-chain state before acting.
type Phase uint8

const (
	PhaseCommitting Phase = iota // escrows being created and funded
	PhaseLocked                  // both legs funded
	PhaseRevealed                // destination resolved, secret public
	PhaseCompleted               // source resolved
	PhaseRefunded                // every funded leg refunded
	PhaseFailed                  // commit aborted before both legs were funded
)

var phaseNames = map[Phase]string{
	PhaseCommitting: "committing",
	PhaseLocked:     "locked",
	PhaseRevealed:   "revealed",
	PhaseCompleted:  "completed",
	PhaseRefunded:   "refunded",
	PhaseFailed:     "failed",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for k, v := range phaseNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown swap phase %q", b)
}

// Done reports whether the coordinator has nothing left to do.
func (p Phase) Done() bool {
	return p == PhaseCompleted || p == PhaseRefunded || p == PhaseFailed
}

// Leg is one escrow of the swap.
type Leg struct {
	Chain      string            `json:"chain"`
	Immutables escrow.Immutables `json:"immutables"`
	Address    string            `json:"address"`
	Depositor  string            `json:"depositor"`
	State      escrow.State      `json:"state"` // last observed on chain
}

func (l Leg) Ref(swapHash common.Hash) escrow.Ref {
	return escrow.Ref{
		Chain:    l.Chain,
		Address:  l.Address,
		SwapHash: swapHash,
		Side:     l.Immutables.Side,
		Timelock: l.Immutables.Timelock,
	}
}

// Swap executes one fill of an order: the maker's asset locked on the
// source chain against the resolver's counter asset on the destination
// chain, both under the same hashlock.
type Swap struct {
	Hash      common.Hash     `json:"hash"`
	OrderHash common.Hash     `json:"orderHash"`
	FillIndex uint32          `json:"fillIndex"`
	Resolver  common.Address  `json:"resolver"`
	Maker     common.Address  `json:"maker"`
	Hashlock  crypto.Hashlock `json:"hashlock"`
	Src       Leg             `json:"src"`
	Dst       Leg             `json:"dst"`
	Phase     Phase           `json:"phase"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (s *Swap) Leg(side escrow.Side) *Leg {
	if side == escrow.SideSource {
		return &s.Src
	}
	return &s.Dst
}

func (s *Swap) Clone() *Swap {
	out := *s
	out.Src.Immutables.Amount = cloneInt(s.Src.Immutables.Amount)
	out.Dst.Immutables.Amount = cloneInt(s.Dst.Immutables.Amount)
	return &out
}

// Store persists swaps so a restarted node resumes where it stopped. The
// node never holds a secret: each one stays with the maker until reveal.
type Store interface {
	SaveSwap(s *Swap) error
	LoadSwap(hash common.Hash) (*Swap, error) // nil when unknown
	LoadSwaps() ([]*Swap, error)
	LoadOpenSwaps() ([]*Swap, error) // swaps whose phase is not Done
	WatchEscrow(ref escrow.Ref) error
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// JournalEntry is one line of the swap journal, an append-only audit trail
// of every fund-moving transaction the node broadcast.
type JournalEntry struct {
	Time   time.Time `json:"time"`
	Swap   string    `json:"swap"`
	Chain  string    `json:"chain"`
	Action string    `json:"action"`
	TxHash string    `json:"tx,omitempty"`
	Err    string    `json:"err,omitempty"`
}

type Journal interface {
	Append(e JournalEntry) error
}
