package p2p

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/metrics"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
)

const (
	topicOrders = "hyperswap/orders/1"

	seenOrders  = 65536
	outboxDepth = 256
)

// OrderSink learns of verified orders announced by peers, together with
// the API URL of the node whose book owns each one.
type OrderSink interface {
	Announced(o *orderbook.Order, owner string)
}

// Libp2pNet announces newly placed maker orders between nodes so every
// resolver sees the same open order set. Each order stays in its owner's
// book; peers fill it there.
type Libp2pNet struct {
	h      host.Host
	ps     *pubsub.PubSub
	log    *zap.SugaredLogger
	m      *metrics.Metrics
	eip712 *crypto.EIP712Signer
	sink   OrderSink
	owner  string

	tOrders   *pubsub.Topic
	subOrders *pubsub.Subscription

	// order hashes already published or received
	seen   *lru.Cache[common.Hash, struct{}]
	outbox chan *orderbook.Order
}

type Libp2pConfig struct {
	// Owner is this node's public API URL, stamped on every order it
	// announces.
	Owner      string
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig, eip712 *crypto.EIP712Signer, sink OrderSink) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	seen, err := lru.New[common.Hash, struct{}](seenOrders)
	if err != nil {
		h.Close()
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	net := &Libp2pNet{
		h: h, ps: ps, log: log, m: m,
		eip712: eip712, sink: sink, owner: cfg.Owner,
		seen:   seen,
		outbox: make(chan *orderbook.Order, outboxDepth),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(); err != nil {
		h.Close()
		return nil, err
	}

	go net.handleOrders(ctx)
	go net.publishLoop(ctx)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", topicOrders, "owner", cfg.Owner)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	// Invalid orders are dropped before they are forwarded to the mesh.
	if err := n.ps.RegisterTopicValidator(topicOrders, n.validateOrder); err != nil {
		return err
	}
	var err error
	if n.tOrders, err = n.ps.Join(topicOrders); err != nil {
		return err
	}
	if n.subOrders, err = n.tOrders.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Connect dials a peer by its full multiaddr (including /p2p/<id>).
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, n.h, addr)
}

// Peers returns the number of peers in the order topic mesh.
func (n *Libp2pNet) Peers() int { return len(n.tOrders.ListPeers()) }

// Announce queues a locally placed order for gossip. Orders that already
// took a fill, closed orders, and orders seen before are skipped. Safe to
// register with orderbook.Book.OnOrder.
func (n *Libp2pNet) Announce(o *orderbook.Order) {
	if !o.IsOpen() || !o.Unfilled() {
		return
	}
	if found, _ := n.seen.ContainsOrAdd(o.Hash, struct{}{}); found {
		return
	}
	select {
	case n.outbox <- o:
	default:
		n.m.IncGossip("out", "dropped")
		n.log.Warnw("gossip_outbox_full", "order", o.Hash.Hex())
	}
}

// Publish announces an order to the topic immediately.
func (n *Libp2pNet) Publish(ctx context.Context, o *orderbook.Order) error {
	if n.owner == "" {
		return errNoOwner
	}
	data, err := encodeOrder(o, n.owner)
	if err != nil {
		return err
	}
	return n.tOrders.Publish(ctx, data)
}

func (n *Libp2pNet) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-n.outbox:
			if err := n.Publish(ctx, o); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				n.m.IncGossip("out", "failed")
				n.log.Warnw("gossip_publish_failed", "order", o.Hash.Hex(), "err", err)
				continue
			}
			n.m.IncGossip("out", "published")
			n.log.Debugw("gossip_published", "order", o.Hash.Hex())
		}
	}
}

var errNoOwner = errors.New("p2p: no public API URL to announce orders under")

// validateOrder rejects undecodable orders, announcements without an
// owner, and orders whose signature does not recover to the maker.
func (n *Libp2pNet) validateOrder(_ context.Context, from peer.ID, msg *pubsub.Message) bool {
	if from == n.h.ID() {
		return true
	}
	o, _, err := decodeOrder(msg.Data)
	if err != nil {
		n.m.IncGossip("in", "malformed")
		return false
	}
	hash, err := n.eip712.HashOrder(o.TypedData())
	if err != nil {
		n.m.IncGossip("in", "malformed")
		return false
	}
	signer, err := crypto.RecoverAddress(hash.Bytes(), o.Signature)
	if err != nil || signer != o.Maker {
		n.m.IncGossip("in", "bad_signature")
		n.log.Debugw("gossip_bad_signature", "peer", from.String(), "maker", o.Maker.Hex())
		return false
	}
	return true
}

// inbound

func (n *Libp2pNet) handleOrders(ctx context.Context) {
	for {
		msg, err := n.subOrders.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		o, owner, err := decodeOrder(msg.Data)
		if err != nil {
			continue
		}
		hash, err := n.eip712.HashOrder(o.TypedData())
		if err != nil {
			continue
		}
		if found, _ := n.seen.ContainsOrAdd(hash, struct{}{}); found {
			n.m.IncGossip("in", "duplicate")
			continue
		}
		if owner == n.owner {
			continue
		}
		o.Hash = hash
		n.sink.Announced(o, owner)
		n.m.IncGossip("in", "announced")
		n.log.Infow("gossip_order_received", "order", hash.Hex(), "owner", owner, "peer", msg.ReceivedFrom.String())
	}
}

// Close leaves the topic and shuts the host down.
func (n *Libp2pNet) Close() error {
	n.subOrders.Cancel()
	if err := n.tOrders.Close(); err != nil {
		n.log.Debugw("gossip_topic_close_failed", "err", err)
	}
	return n.h.Close()
}
