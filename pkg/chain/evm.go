package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
)

const factoryABI = `[
 {"type":"function","name":"createEscrow","stateMutability":"nonpayable",
  "inputs":[{"name":"orderHash","type":"bytes32"},{"name":"side","type":"uint8"},{"name":"token","type":"address"},
            {"name":"amount","type":"uint256"},{"name":"recipient","type":"address"},{"name":"hashlock","type":"bytes32"},
            {"name":"timelock","type":"uint256"},{"name":"srcTimelock","type":"uint256"}],
  "outputs":[{"name":"escrow","type":"address"}]},
 {"type":"function","name":"fund","stateMutability":"nonpayable",
  "inputs":[{"name":"escrow","type":"address"},{"name":"depositor","type":"address"}],"outputs":[]},
 {"type":"function","name":"withdraw","stateMutability":"nonpayable",
  "inputs":[{"name":"escrow","type":"address"},{"name":"secret","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"cancel","stateMutability":"nonpayable",
  "inputs":[{"name":"escrow","type":"address"}],"outputs":[]},
 {"type":"function","name":"escrows","stateMutability":"view",
  "inputs":[{"name":"escrow","type":"address"}],
  "outputs":[{"name":"orderHash","type":"bytes32"},{"name":"side","type":"uint8"},{"name":"token","type":"address"},
             {"name":"amount","type":"uint256"},{"name":"recipient","type":"address"},{"name":"depositor","type":"address"},
             {"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},{"name":"state","type":"uint8"},
             {"name":"secret","type":"bytes32"},{"name":"exists","type":"bool"}]}
]`

const erc20ABI = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

var (
	factory = mustABI(factoryABI)
	erc20   = mustABI(erc20ABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ABI: %v", err))
	}
	return parsed
}

// escrowView is the factory's escrows(address) return tuple.
type escrowView struct {
	OrderHash [32]byte
	Side      uint8
	Token     common.Address
	Amount    *big.Int
	Recipient common.Address
	Depositor common.Address
	Hashlock  [32]byte
	Timelock  *big.Int
	State     uint8
	Secret    [32]byte
	Exists    bool
}

// EVMBackend is the part of an RPC client the adapter needs.
// *ethclient.Client satisfies it.
type EVMBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type EVMConfig struct {
	Name         string
	ChainID      *big.Int
	Factory      common.Address
	InitCodeHash common.Hash
}

// EVMClient drives the escrow factory contract of an EVM chain. Each
// transaction is pre-checked against the escrow's on-chain state so
// rejections carry the same error kinds as the in-process ledger.
type EVMClient struct {
	cfg     EVMConfig
	backend EVMBackend
	key     *crypto.Signer
	deriver escrow.Create2Deriver
	log     *zap.SugaredLogger
}

func NewEVMClient(cfg EVMConfig, backend EVMBackend, key *crypto.Signer, log *zap.SugaredLogger) *EVMClient {
	return &EVMClient{
		cfg:     cfg,
		backend: backend,
		key:     key,
		deriver: escrow.Create2Deriver{Factory: cfg.Factory, InitCodeHash: cfg.InitCodeHash},
		log:     log.With("chain", cfg.Name),
	}
}

// DialEVM connects to a JSON-RPC endpoint.
func DialEVM(ctx context.Context, rpcURL string, cfg EVMConfig, key *crypto.Signer, log *zap.SugaredLogger) (*EVMClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return NewEVMClient(cfg, c, key, log), nil
}

func (c *EVMClient) Name() string { return c.cfg.Name }

func (c *EVMClient) AddressOf(im escrow.Immutables) string { return c.deriver.AddressOf(im) }

func (c *EVMClient) Now(ctx context.Context) (time.Time, error) {
	h, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.KindExternal, "evm.Now", err)
	}
	return time.Unix(int64(h.Time), 0), nil
}

func (c *EVMClient) QueryState(ctx context.Context, address string) (*escrow.Escrow, error) {
	const op = "evm.QueryState"
	if !common.IsHexAddress(address) {
		return nil, errs.Validation(op, "bad escrow address %q", address)
	}
	data, err := factory.Pack("escrows", common.HexToAddress(address))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}
	to := c.cfg.Factory
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindExternal, op, err)
	}
	var v escrowView
	if err := factory.UnpackIntoInterface(&v, "escrows", out); err != nil {
		return nil, errs.Wrap(errs.KindExternal, op, err)
	}
	if !v.Exists {
		return nil, errs.Wrap(errs.KindValidation, op, ErrNotFound)
	}
	esc := &escrow.Escrow{
		Immutables: escrow.Immutables{
			OrderHash: v.OrderHash,
			Side:      escrow.Side(v.Side),
			Token:     v.Token.Hex(),
			Amount:    v.Amount,
			Recipient: v.Recipient.Hex(),
			Hashlock:  crypto.Hashlock(v.Hashlock),
			Timelock:  v.Timelock.Int64(),
		},
		Address: common.HexToAddress(address).Hex(),
		State:   escrow.State(v.State),
	}
	if v.Depositor != (common.Address{}) {
		esc.Depositor = v.Depositor.Hex()
	}
	if esc.State == escrow.StateResolved {
		s := crypto.Secret(v.Secret)
		esc.Secret = &s
	}
	return esc, nil
}

func (c *EVMClient) Submit(ctx context.Context, tx *Tx) (TxHash, error) {
	const op = "evm.Submit"
	if !strings.EqualFold(tx.From, c.key.Address().Hex()) {
		return TxHash{}, errs.Validation(op, "client key %s cannot send for %s", c.key.Address().Hex(), tx.From)
	}
	to, data, err := c.encode(ctx, tx)
	if err != nil {
		return TxHash{}, err
	}

	from := c.key.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return TxHash{}, errs.Wrap(errs.KindExternal, op, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return TxHash{}, errs.Wrap(errs.KindExternal, op, err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return TxHash{}, errs.Wrap(errs.KindExternal, op, fmt.Errorf("estimate gas: %w", err))
	}

	raw := types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: gas, GasPrice: gasPrice, Data: data})
	signed, err := types.SignTx(raw, types.NewEIP155Signer(c.cfg.ChainID), c.key.PrivateKey())
	if err != nil {
		return TxHash{}, errs.Wrap(errs.KindValidation, op, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return TxHash{}, errs.Wrap(errs.KindExternal, op, err)
	}
	c.log.Debugw("tx_sent", "kind", tx.Kind.String(), "tx", signed.Hash().Hex(), "nonce", nonce)
	return signed.Hash(), nil
}

// encode pre-checks tx against chain state and packs its call data.
func (c *EVMClient) encode(ctx context.Context, tx *Tx) (common.Address, []byte, error) {
	const op = "evm.encode"
	pack := func(a abi.ABI, method string, args ...any) (common.Address, []byte, error) {
		data, err := a.Pack(method, args...)
		if err != nil {
			return common.Address{}, nil, errs.Wrap(errs.KindValidation, op, err)
		}
		return c.cfg.Factory, data, nil
	}

	switch tx.Kind {
	case TxCreate:
		im := tx.Escrow
		if err := im.Validate(); err != nil {
			return common.Address{}, nil, err
		}
		if err := im.CheckAgainstSource(tx.SrcTimelock); err != nil {
			return common.Address{}, nil, err
		}
		return pack(factory, "createEscrow", im.OrderHash, uint8(im.Side),
			common.HexToAddress(im.Token), im.Amount, common.HexToAddress(im.Recipient),
			[32]byte(im.Hashlock), big.NewInt(im.Timelock), big.NewInt(tx.SrcTimelock))

	case TxFund:
		esc, now, err := c.stateAt(ctx, tx.Address)
		if err != nil {
			return common.Address{}, nil, err
		}
		depositor := tx.Depositor
		if depositor == "" {
			depositor = tx.From
		}
		if err := esc.Fund(depositor, now); err != nil {
			return common.Address{}, nil, err
		}
		return pack(factory, "fund", common.HexToAddress(tx.Address), common.HexToAddress(depositor))

	case TxResolve:
		esc, now, err := c.stateAt(ctx, tx.Address)
		if err != nil {
			return common.Address{}, nil, err
		}
		changed, err := esc.Resolve(tx.Secret, now)
		if err != nil {
			return common.Address{}, nil, err
		}
		if !changed {
			return common.Address{}, nil, errs.StateConflict(op, "escrow %s already resolved", tx.Address)
		}
		var secret [32]byte
		copy(secret[:], tx.Secret)
		return pack(factory, "withdraw", common.HexToAddress(tx.Address), secret)

	case TxRefund:
		esc, now, err := c.stateAt(ctx, tx.Address)
		if err != nil {
			return common.Address{}, nil, err
		}
		changed, err := esc.Refund(now)
		if err != nil {
			return common.Address{}, nil, err
		}
		if !changed {
			return common.Address{}, nil, errs.StateConflict(op, "escrow %s already refunded", tx.Address)
		}
		return pack(factory, "cancel", common.HexToAddress(tx.Address))

	case TxApprove:
		if !common.IsHexAddress(tx.Token) || tx.Amount == nil {
			return common.Address{}, nil, errs.Validation(op, "approve needs a token address and amount")
		}
		data, err := erc20.Pack("approve", common.HexToAddress(tx.Spender), tx.Amount)
		if err != nil {
			return common.Address{}, nil, errs.Wrap(errs.KindValidation, op, err)
		}
		return common.HexToAddress(tx.Token), data, nil
	}
	return common.Address{}, nil, errs.Validation(op, "unknown tx kind %d", tx.Kind)
}

func (c *EVMClient) stateAt(ctx context.Context, addr string) (*escrow.Escrow, time.Time, error) {
	esc, err := c.QueryState(ctx, addr)
	if err != nil {
		return nil, time.Time{}, err
	}
	now, err := c.Now(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	return esc, now, nil
}

// Confirm reports the receipt of a mined transaction. A transaction not yet
// mined is an External error so callers poll with backoff.
func (c *EVMClient) Confirm(ctx context.Context, h TxHash) (*Receipt, error) {
	const op = "evm.Confirm"
	r, err := c.backend.TransactionReceipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return nil, errs.External(op, "tx %s not mined yet", h.Hex())
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindExternal, op, err)
	}
	out := &Receipt{TxHash: h, Status: ReceiptFailed}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusSuccessful {
		out.Status = ReceiptSuccess
	}
	return out, nil
}

var _ Adapter = (*EVMClient)(nil)
