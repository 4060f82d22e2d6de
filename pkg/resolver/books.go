package resolver

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/orderbook"
)

// Books sends every read and fill of an order to the one book that owns
// it. Orders placed on this node live in the local book; orders announced
// by peers are reached through the owner's API, never through a local
// copy, so two nodes cannot both accept fills against the same remaining
// amount.
type Books struct {
	local Book
	dial  func(owner string) Book
	log   *zap.SugaredLogger

	owners  *lru.Cache[common.Hash, Book]
	clients *lru.Cache[string, Book]

	listeners []func(*orderbook.Order)
}

// NewBooks routes unknown orders to local. dial opens a book client for an
// owner URL; size bounds how many remote orders are remembered.
func NewBooks(local Book, dial func(owner string) Book, size int, log *zap.SugaredLogger) (*Books, error) {
	owners, err := lru.New[common.Hash, Book](size)
	if err != nil {
		return nil, err
	}
	clients, err := lru.New[string, Book](64)
	if err != nil {
		return nil, err
	}
	return &Books{local: local, dial: dial, log: log, owners: owners, clients: clients}, nil
}

// OnRemoteOrder registers fn for orders routed to a remote owner. Register
// listeners before the first announcement arrives.
func (b *Books) OnRemoteOrder(fn func(*orderbook.Order)) {
	b.listeners = append(b.listeners, fn)
}

// Announced records that owner holds the authoritative book for o. An
// order this node's own book already holds stays local.
func (b *Books) Announced(o *orderbook.Order, owner string) {
	if _, err := b.local.GetOrder(o.Hash); err == nil {
		b.log.Warnw("order_announced_by_other_owner", "order", o.Hash.Hex(), "owner", owner)
		return
	}
	client, ok := b.clients.Get(owner)
	if !ok {
		client = b.dial(owner)
		b.clients.Add(owner, client)
	}
	b.owners.Add(o.Hash, client)
	b.log.Debugw("order_routed", "order", o.Hash.Hex(), "owner", owner)
	for _, fn := range b.listeners {
		fn(o)
	}
}

// Route pins hash to book.
func (b *Books) Route(hash common.Hash, book Book) { b.owners.Add(hash, book) }

func (b *Books) owner(hash common.Hash) Book {
	if book, ok := b.owners.Get(hash); ok {
		return book
	}
	return b.local
}

func (b *Books) GetOrder(hash common.Hash) (*orderbook.Order, error) {
	return b.owner(hash).GetOrder(hash)
}

func (b *Books) SubmitFillExpecting(hash common.Hash, resolver common.Address, amount, expectedRemaining *big.Int) (*orderbook.FillRecord, error) {
	return b.owner(hash).SubmitFillExpecting(hash, resolver, amount, expectedRemaining)
}

var _ Book = (*Books)(nil)
