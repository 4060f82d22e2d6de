package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Node struct {
	APIAddr string
	// PublicURL is where peers reach this node's API to fill the orders it
	// announces. Empty derives http://127.0.0.1<APIAddr>.
	PublicURL  string
	ListenAddr string   // libp2p multiaddr for order gossip ("" disables gossip)
	Bootstrap  []string // peer multiaddrs
	DataDir    string
	LogFile    string
	LogLevel   string
}

// Swap controls the coordinator and the sweeper.
//
// TimelockSrc and TimelockDst are offsets from commit time. The destination
// leg must expire first: TimelockDst + MinTimelockGap <= TimelockSrc is
// checked before any escrow is created.
type Swap struct {
	PollInterval     time.Duration // shared by coordinator and sweeper
	ChainCallTimeout time.Duration
	RetryAttempts    uint64
	RetryBaseDelay   time.Duration

	TimelockSrc    time.Duration
	TimelockDst    time.Duration
	MinTimelockGap time.Duration
	MinTimelock    time.Duration
	MaxTimelock    time.Duration

	// Settled escrows older than this past their timelock are pruned.
	PruneRetention time.Duration
	PruneBatch     int
}

type Book struct {
	MaxPartialFills int
}

type Resolver struct {
	Address            string // resolver identity (hex)
	PrivateKey         string // secp256k1 hex; empty generates an ephemeral key
	PreferredFillRatio decimal.Decimal
	MaxFillRatio       decimal.Decimal
	CapitalCeiling     string // minimal units of the maker asset, decimal string
	MinProfitMargin    decimal.Decimal
	MaxResubmits       int
	MaxQuoteAge        time.Duration
	VsCurrency         string

	// QuoteSource is "static" or "coingecko". QuoteAssets entries read
	// "ASSET=coinID:decimals[:price]"; price seeds the static source.
	QuoteSource string
	QuoteAssets []string
	AllowList   []string
}

type Chains struct {
	EVMName        string
	EVMRPCURL      string // "" runs the in-process EVM ledger
	EVMChainID     int64
	EscrowFactory  string
	EscrowInitCode string // keccak256 of the escrow init code, hex
	NonEVMName     string
	DomainName     string
	DomainVersion  string
}

type Config struct {
	Node     Node
	Swap     Swap
	Book     Book
	Resolver Resolver
	Chains   Chains
}

// APIURL is the URL peers use for this node's API.
func (n Node) APIURL() string {
	if n.PublicURL != "" {
		return strings.TrimRight(n.PublicURL, "/")
	}
	if strings.HasPrefix(n.APIAddr, ":") {
		return "http://127.0.0.1" + n.APIAddr
	}
	return "http://" + n.APIAddr
}

func Default() Config {
	return Config{
		Node: Node{
			APIAddr:  ":8080",
			DataDir:  "data",
			LogFile:  "data/node.log",
			LogLevel: "info",
		},
		Swap: Swap{
			PollInterval:     2 * time.Second,
			ChainCallTimeout: 15 * time.Second,
			RetryAttempts:    5,
			RetryBaseDelay:   500 * time.Millisecond,
			TimelockSrc:      time.Hour,
			TimelockDst:      30 * time.Minute,
			MinTimelockGap:   5 * time.Minute,
			MinTimelock:      10 * time.Minute,
			MaxTimelock:      48 * time.Hour,
			PruneRetention:   24 * time.Hour,
			PruneBatch:       100,
		},
		Book: Book{
			MaxPartialFills: 10,
		},
		Resolver: Resolver{
			PreferredFillRatio: decimal.RequireFromString("0.20"),
			MaxFillRatio:       decimal.RequireFromString("0.50"),
			CapitalCeiling:     "0",
			MinProfitMargin:    decimal.Zero,
			MaxResubmits:       3,
			MaxQuoteAge:        60 * time.Second,
			VsCurrency:         "usd",
			QuoteSource:        "static",
		},
		Chains: Chains{
			EVMName:       "evm-devnet",
			EVMChainID:    1337,
			NonEVMName:    "algorand-devnet",
			DomainName:    "HyperSwap",
			DomainVersion: "1",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.PublicURL = getEnv("API_PUBLIC_URL", cfg.Node.PublicURL)
	cfg.Node.ListenAddr = getEnv("LISTEN", cfg.Node.ListenAddr)
	cfg.Node.Bootstrap = getList("BOOTSTRAP_PEERS", cfg.Node.Bootstrap)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)

	cfg.Swap.PollInterval = getMillis("SWAP_POLL_INTERVAL_MS", cfg.Swap.PollInterval)
	cfg.Swap.ChainCallTimeout = getMillis("CHAIN_CALL_TIMEOUT_MS", cfg.Swap.ChainCallTimeout)
	cfg.Swap.RetryBaseDelay = getMillis("RETRY_BASE_DELAY_MS", cfg.Swap.RetryBaseDelay)
	if v := os.Getenv("RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Swap.RetryAttempts = n
		}
	}
	cfg.Swap.TimelockSrc = getSeconds("TIMELOCK_SRC_SECONDS", cfg.Swap.TimelockSrc)
	cfg.Swap.TimelockDst = getSeconds("TIMELOCK_DST_SECONDS", cfg.Swap.TimelockDst)
	cfg.Swap.MinTimelockGap = getSeconds("TIMELOCK_MIN_GAP_SECONDS", cfg.Swap.MinTimelockGap)

	if v := os.Getenv("MAX_PARTIAL_FILLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Book.MaxPartialFills = n
		}
	}

	cfg.Resolver.Address = getEnv("RESOLVER_ADDRESS", cfg.Resolver.Address)
	cfg.Resolver.PrivateKey = getEnv("RESOLVER_PRIVATE_KEY", cfg.Resolver.PrivateKey)
	cfg.Resolver.PreferredFillRatio = getDecimal("PREFERRED_FILL_RATIO", cfg.Resolver.PreferredFillRatio)
	cfg.Resolver.MaxFillRatio = getDecimal("MAX_FILL_RATIO", cfg.Resolver.MaxFillRatio)
	cfg.Resolver.CapitalCeiling = getEnv("RESOLVER_CAPITAL_CEILING", cfg.Resolver.CapitalCeiling)
	cfg.Resolver.MinProfitMargin = getDecimal("MIN_PROFIT_MARGIN", cfg.Resolver.MinProfitMargin)
	cfg.Resolver.MaxQuoteAge = getSeconds("QUOTE_MAX_AGE_SECONDS", cfg.Resolver.MaxQuoteAge)
	cfg.Resolver.VsCurrency = getEnv("QUOTE_VS_CURRENCY", cfg.Resolver.VsCurrency)
	cfg.Resolver.QuoteSource = getEnv("QUOTE_SOURCE", cfg.Resolver.QuoteSource)
	cfg.Resolver.QuoteAssets = getList("QUOTE_ASSETS", cfg.Resolver.QuoteAssets)
	cfg.Resolver.AllowList = getList("RESOLVER_ALLOWLIST", cfg.Resolver.AllowList)

	cfg.Chains.EVMName = getEnv("EVM_CHAIN_NAME", cfg.Chains.EVMName)
	cfg.Chains.NonEVMName = getEnv("NON_EVM_CHAIN_NAME", cfg.Chains.NonEVMName)
	cfg.Chains.EVMRPCURL = getEnv("EVM_RPC_URL", cfg.Chains.EVMRPCURL)
	if v := os.Getenv("EVM_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Chains.EVMChainID = id
		}
	}
	cfg.Chains.EscrowFactory = getEnv("ESCROW_FACTORY", cfg.Chains.EscrowFactory)
	cfg.Chains.EscrowInitCode = getEnv("ESCROW_INIT_CODE_HASH", cfg.Chains.EscrowInitCode)
	cfg.Chains.DomainName = getEnv("EIP712_DOMAIN_NAME", cfg.Chains.DomainName)
	cfg.Chains.DomainVersion = getEnv("EIP712_DOMAIN_VERSION", cfg.Chains.DomainVersion)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func getSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			return time.Duration(s) * time.Second
		}
	}
	return def
}

func getDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

// getList splits a comma-separated variable, e.g. "0xaa..,0xbb..".
func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
