package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/api"
	"github.com/uhyunpark/hyperswap/pkg/chain"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/metrics"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/p2p"
	"github.com/uhyunpark/hyperswap/pkg/quote"
	"github.com/uhyunpark/hyperswap/pkg/resolver"
	"github.com/uhyunpark/hyperswap/pkg/storage"
	"github.com/uhyunpark/hyperswap/pkg/swap"
	"github.com/uhyunpark/hyperswap/pkg/sweeper"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	clock := util.RealClock{}
	m := metrics.New()

	// ---- Storage ----
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}
	store, err := storage.Open(filepath.Join(cfg.Node.DataDir, "db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	journal, err := storage.NewFileJournal(filepath.Join(cfg.Node.DataDir, "swaps.journal"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	// ---- Order book ----
	eip712 := crypto.NewEIP712Signer(crypto.EIP712Domain{
		Name:              cfg.Chains.DomainName,
		Version:           cfg.Chains.DomainVersion,
		ChainID:           big.NewInt(cfg.Chains.EVMChainID),
		VerifyingContract: common.HexToAddress(cfg.Chains.EscrowFactory),
	})
	book, err := orderbook.New(store, eip712, clock, cfg.Book, sugar.Named("book"), m)
	if err != nil {
		return fmt.Errorf("load order book: %w", err)
	}

	// ---- Resolver identity ----
	key, err := resolverKey(cfg.Resolver, sugar)
	if err != nil {
		return err
	}
	seed, err := hex.DecodeString(key.PrivateKeyHex())
	if err != nil {
		return err
	}
	blsKey, err := crypto.NewBLSSignerFromSeed(seed)
	if err != nil {
		return err
	}

	if err := allowResolvers(book, cfg.Resolver.AllowList, key.Address(), sugar); err != nil {
		return err
	}

	// ---- Chains ----
	limits := escrow.Limits{MinTimelock: cfg.Swap.MinTimelock, MaxTimelock: cfg.Swap.MaxTimelock}
	create2 := escrow.Create2Deriver{
		Factory:      common.HexToAddress(cfg.Chains.EscrowFactory),
		InitCodeHash: common.HexToHash(cfg.Chains.EscrowInitCode),
	}

	var pruners []sweeper.Pruner
	var evm chain.Adapter
	if cfg.Chains.EVMRPCURL != "" {
		client, err := chain.DialEVM(ctx, cfg.Chains.EVMRPCURL, chain.EVMConfig{
			Name:         cfg.Chains.EVMName,
			ChainID:      big.NewInt(cfg.Chains.EVMChainID),
			Factory:      create2.Factory,
			InitCodeHash: create2.InitCodeHash,
		}, key, sugar)
		if err != nil {
			return err
		}
		evm = client
		sugar.Infow("evm_rpc_connected", "chain", cfg.Chains.EVMName, "chain_id", cfg.Chains.EVMChainID)
	} else {
		ledger := chain.NewLedger(cfg.Chains.EVMName, create2, chain.Secp256k1Auth{}, clock, limits, sugar)
		evm = ledger
		pruners = append(pruners, ledger)
		sugar.Infow("evm_ledger_in_process", "chain", cfg.Chains.EVMName)
	}
	nonEVM := chain.NewLedger(cfg.Chains.NonEVMName, escrow.Sha3Deriver{}, chain.BLSAuth{}, clock, limits, sugar)
	pruners = append(pruners, nonEVM)

	parties := []chain.Party{
		{Adapter: evm, Signer: key, Account: key.Address().Hex()},
		{Adapter: nonEVM, Signer: blsKey, Account: blsKey.Account()},
	}

	// ---- Swap coordinator ----
	coord := swap.NewCoordinator(swap.ConfigFrom(cfg.Swap), parties, store, journal, clock, sugar.Named("swap"), m)

	// ---- Resolver ----
	quotes, err := quoteSource(cfg.Resolver, clock)
	if err != nil {
		return err
	}
	ceiling, err := capitalCeiling(cfg.Resolver.CapitalCeiling)
	if err != nil {
		return err
	}
	// Orders placed here are filled in the local book; announced orders
	// are filled in their owner's book over its API.
	books, err := resolver.NewBooks(book, func(owner string) resolver.Book {
		return api.NewClient(owner, key, eip712)
	}, remoteOrders, sugar.Named("books"))
	if err != nil {
		return err
	}
	bidder := resolver.NewBidder(resolver.Config{
		Resolver: key.Address(),
		Allocator: resolver.Allocator{
			Preferred: cfg.Resolver.PreferredFillRatio,
			MaxRatio:  cfg.Resolver.MaxFillRatio,
		},
		Ceiling:         ceiling,
		MinProfitMargin: cfg.Resolver.MinProfitMargin,
		MaxResubmits:    cfg.Resolver.MaxResubmits,
		Vs:              cfg.Resolver.VsCurrency,
	}, books, quote.Guard{Source: quotes, MaxAge: cfg.Resolver.MaxQuoteAge, Clock: clock},
		coord, clock, sugar.Named("resolver"), m)
	book.OnOrder(bidder.Notify)
	books.OnRemoteOrder(bidder.Notify)

	// ---- Sweeper ----
	sw := sweeper.New(sweeper.ConfigFrom(cfg.Swap), store, coord, book, pruners, clock, sugar.Named("sweeper"), m)

	// ---- P2P order gossip ----
	if cfg.Node.ListenAddr != "" {
		net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			Owner:      cfg.Node.APIURL(),
			ListenAddr: cfg.Node.ListenAddr,
			Bootstrap:  cfg.Node.Bootstrap,
			Logger:     sugar.Named("p2p"),
			Metrics:    m,
		}, eip712, books)
		if err != nil {
			return fmt.Errorf("libp2p: %w", err)
		}
		defer net.Close()
		book.OnOrder(net.Announce)
	} else {
		sugar.Info("p2p_disabled")
	}

	// ---- Run loops ----
	go coord.Run(ctx)
	go bidder.Run(ctx)
	go sw.Run(ctx)

	sugar.Infow("node_starting",
		"resolver", key.Address().Hex(),
		"resolver_dst", blsKey.Account(),
		"src_chain", cfg.Chains.EVMName,
		"dst_chain", cfg.Chains.NonEVMName,
		"open_orders", len(book.ListOpenOrders()),
		"api", cfg.Node.APIAddr,
		"api_url", cfg.Node.APIURL())

	// ---- API Server ----
	apiServer := api.NewServer(book, coord, eip712, m, sugar.Named("api"))
	// fills posted by peers are committed on their nodes; ours are adopted
	apiServer.OnFillAccepted(bidder.Adopt)
	return apiServer.Start(ctx, cfg.Node.APIAddr)
}

// remoteOrders bounds how many announced orders keep their owner route.
const remoteOrders = 4096

func resolverKey(cfg params.Resolver, sugar *zap.SugaredLogger) (*crypto.Signer, error) {
	if cfg.PrivateKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		sugar.Warnw("resolver_ephemeral_key", "address", key.Address().Hex())
		return key, nil
	}
	key, err := crypto.FromPrivateKeyHex(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("resolver key: %w", err)
	}
	if cfg.Address != "" && !strings.EqualFold(cfg.Address, key.Address().Hex()) {
		return nil, fmt.Errorf("RESOLVER_ADDRESS %s does not match key address %s", cfg.Address, key.Address().Hex())
	}
	return key, nil
}

// allowResolvers seeds the allow-list. With none configured the node's own
// resolver is allowed so a single node can trade with itself.
func allowResolvers(book *orderbook.Book, list []string, self common.Address, sugar *zap.SugaredLogger) error {
	if len(list) == 0 {
		sugar.Infow("resolver_self_allowed", "resolver", self.Hex())
		return book.AllowResolver(self)
	}
	for _, s := range list {
		if !common.IsHexAddress(s) {
			return fmt.Errorf("allow-list: invalid address %q", s)
		}
		if err := book.AllowResolver(common.HexToAddress(s)); err != nil {
			return err
		}
	}
	return nil
}

func capitalCeiling(s string) (*big.Int, error) {
	if s == "" || s == "0" {
		return nil, nil
	}
	c, ok := new(big.Int).SetString(s, 10)
	if !ok || c.Sign() < 0 {
		return nil, fmt.Errorf("invalid capital ceiling %q", s)
	}
	return c, nil
}

// quoteSource builds the configured price source from entries of the form
// ASSET=coinID:decimals[:price].
func quoteSource(cfg params.Resolver, clock util.Clock) (quote.Source, error) {
	static := quote.NewStatic(clock)
	assets := make(map[string]quote.Asset)
	for _, entry := range cfg.QuoteAssets {
		asset, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("quote asset %q: want ASSET=coinID:decimals[:price]", entry)
		}
		parts := strings.Split(value, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("quote asset %q: want ASSET=coinID:decimals[:price]", entry)
		}
		decimals, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("quote asset %q: %w", entry, err)
		}
		assets[asset] = quote.Asset{ID: parts[0], Decimals: int32(decimals)}
		if len(parts) > 2 {
			price, err := decimal.NewFromString(parts[2])
			if err != nil {
				return nil, fmt.Errorf("quote asset %q: %w", entry, err)
			}
			static.Set(asset, price, int32(decimals))
		}
	}

	switch cfg.QuoteSource {
	case "coingecko":
		return quote.NewCoinGecko(assets), nil
	case "static", "":
		return static, nil
	default:
		return nil, fmt.Errorf("unknown quote source %q", cfg.QuoteSource)
	}
}
