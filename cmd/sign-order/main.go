package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/api"
	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
)

var (
	envPath string
	keyHex  string
	postURL string

	orderFlags struct {
		srcAccount, receiver    string
		srcChain, dstChain      string
		makerAsset, takerAsset  string
		making, taking, minFill string
		secret                  string
		partial                 bool
		fills                   int
		nonce                   uint64
		ttl                     time.Duration
	}
	fillFlags struct {
		order, amount, expected string
		nonce                   uint64
	}
	cancelOrder string

	revealFlags struct {
		swap, secret, receiver string
	}
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sign-order",
		Short: "Sign swap orders, fill intents and cancels for a HyperSwap node",
	}
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "Path to the node .env file (EIP-712 domain)")
	rootCmd.PersistentFlags().StringVar(&keyHex, "key", "", "secp256k1 private key hex; empty generates one")
	rootCmd.PersistentFlags().StringVar(&postURL, "post", "", "Node API base URL, e.g. http://localhost:8080; empty only prints")

	orderCmd := &cobra.Command{
		Use:   "order",
		Short: "Sign a maker order",
		RunE:  runOrder,
	}
	f := orderCmd.Flags()
	f.StringVar(&orderFlags.srcAccount, "src-account", "", "Maker account on the source chain (default: signer address)")
	f.StringVar(&orderFlags.receiver, "receiver", "", "Maker account on the destination chain")
	f.StringVar(&orderFlags.srcChain, "src-chain", "evm-devnet", "Source chain name")
	f.StringVar(&orderFlags.dstChain, "dst-chain", "algorand-devnet", "Destination chain name")
	f.StringVar(&orderFlags.makerAsset, "maker-asset", "", "Asset the maker locks on the source chain")
	f.StringVar(&orderFlags.takerAsset, "taker-asset", "", "Asset the maker receives on the destination chain")
	f.StringVar(&orderFlags.making, "making", "", "Making amount in minimal units")
	f.StringVar(&orderFlags.taking, "taking", "", "Taking amount in minimal units")
	f.StringVar(&orderFlags.minFill, "min-fill", "", "Minimum fill in minimal units (default: whole order)")
	f.BoolVar(&orderFlags.partial, "partial", true, "Allow partial fills")
	f.IntVar(&orderFlags.fills, "fills", 4, "Hashlocks to commit, one per fill (forced to 1 without --partial)")
	f.StringVar(&orderFlags.secret, "secret", "", "Master secret hex the fill secrets derive from (default: random)")
	f.Uint64Var(&orderFlags.nonce, "nonce", 0, "Order nonce (default: random)")
	f.DurationVar(&orderFlags.ttl, "ttl", time.Hour, "Order lifetime")
	for _, name := range []string{"receiver", "maker-asset", "taker-asset", "making", "taking"} {
		orderCmd.MarkFlagRequired(name)
	}

	fillCmd := &cobra.Command{
		Use:   "fill",
		Short: "Sign a resolver fill intent",
		RunE:  runFill,
	}
	fillCmd.Flags().StringVar(&fillFlags.order, "order", "", "Order hash")
	fillCmd.Flags().StringVar(&fillFlags.amount, "amount", "", "Fill amount in minimal units")
	fillCmd.Flags().StringVar(&fillFlags.expected, "expected-remaining", "", "Reject the fill if remaining changed")
	fillCmd.Flags().Uint64Var(&fillFlags.nonce, "nonce", 0, "Intent nonce (default: random)")
	fillCmd.MarkFlagRequired("order")
	fillCmd.MarkFlagRequired("amount")

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Sign a maker cancel",
		RunE:  runCancel,
	}
	cancelCmd.Flags().StringVar(&cancelOrder, "order", "", "Order hash")
	cancelCmd.MarkFlagRequired("order")

	revealCmd := &cobra.Command{
		Use:   "reveal",
		Short: "Check a funded destination escrow and reveal the fill secret",
		Long: "Reads the swap from the node, checks that the destination escrow is funded to the\n" +
			"receiver under the fill's hashlock, then posts the fill secret. Without --post it\n" +
			"only prints the secret.",
		RunE: runReveal,
	}
	revealCmd.Flags().StringVar(&revealFlags.swap, "swap", "", "Swap hash")
	revealCmd.Flags().StringVar(&revealFlags.secret, "secret", "", "Master secret printed by the order command")
	revealCmd.Flags().StringVar(&revealFlags.receiver, "receiver", "", "Expected destination recipient (default: the swap's maker)")
	revealCmd.MarkFlagRequired("swap")
	revealCmd.MarkFlagRequired("secret")

	rootCmd.AddCommand(orderCmd, fillCmd, cancelCmd, revealCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (*crypto.Signer, *crypto.EIP712Signer, error) {
	cfg := params.LoadFromEnv(envPath)
	eip712 := crypto.NewEIP712Signer(crypto.EIP712Domain{
		Name:              cfg.Chains.DomainName,
		Version:           cfg.Chains.DomainVersion,
		ChainID:           big.NewInt(cfg.Chains.EVMChainID),
		VerifyingContract: common.HexToAddress(cfg.Chains.EscrowFactory),
	})

	if keyHex != "" {
		signer, err := crypto.FromPrivateKeyHex(keyHex)
		return signer, eip712, err
	}
	signer, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Generated key %s\nPrivate Key: %s (KEEP SECRET!)\n\n",
		signer.Address().Hex(), signer.PrivateKeyHex())
	return signer, eip712, nil
}

func nonceOr(n uint64) (*big.Int, error) {
	if n != 0 {
		return new(big.Int).SetUint64(n), nil
	}
	r, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(r), nil
}

func amountFlag(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("--%s: %q is not a positive integer", name, s)
	}
	return v, nil
}

func runOrder(cmd *cobra.Command, _ []string) error {
	signer, eip712, err := setup(cmd)
	if err != nil {
		return err
	}
	o := &orderbook.Order{
		Maker:        signer.Address(),
		SrcAccount:   orderFlags.srcAccount,
		Receiver:     orderFlags.receiver,
		SrcChain:     orderFlags.srcChain,
		DstChain:     orderFlags.dstChain,
		MakerAsset:   orderFlags.makerAsset,
		TakerAsset:   orderFlags.takerAsset,
		PartialFills: orderFlags.partial,
		Deadline:     time.Now().Add(orderFlags.ttl).Unix(),
	}
	if o.SrcAccount == "" {
		o.SrcAccount = signer.Address().Hex()
	}
	if o.MakingAmount, err = amountFlag("making", orderFlags.making); err != nil {
		return err
	}
	if o.TakingAmount, err = amountFlag("taking", orderFlags.taking); err != nil {
		return err
	}
	o.MinFillAmount = new(big.Int).Set(o.MakingAmount)
	if orderFlags.minFill != "" {
		if o.MinFillAmount, err = amountFlag("min-fill", orderFlags.minFill); err != nil {
			return err
		}
	}
	if o.Nonce, err = nonceOr(orderFlags.nonce); err != nil {
		return err
	}
	master, err := masterSecret(orderFlags.secret)
	if err != nil {
		return err
	}
	fills := orderFlags.fills
	if !o.PartialFills {
		fills = 1
	}
	if fills < 1 {
		return fmt.Errorf("--fills: need at least one hashlock, got %d", fills)
	}
	o.Hashlocks = crypto.FillHashlocks(master, fills)

	if o.Signature, err = eip712.SignOrder(signer, o.TypedData()); err != nil {
		return fmt.Errorf("sign order: %w", err)
	}
	hash, err := eip712.HashOrder(o.TypedData())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Order hash: %s\nMaster secret: %s (KEEP SECRET until reveal!)\n", hash.Hex(), master.Hex())

	return emit(cmd, "/api/v1/orders", api.NewOrderRequest(o))
}

func runFill(cmd *cobra.Command, _ []string) error {
	signer, eip712, err := setup(cmd)
	if err != nil {
		return err
	}
	orderHash, err := hexutil.Decode(fillFlags.order)
	if err != nil || len(orderHash) != common.HashLength {
		return fmt.Errorf("--order: invalid hash %q", fillFlags.order)
	}
	amount, err := amountFlag("amount", fillFlags.amount)
	if err != nil {
		return err
	}
	nonce, err := nonceOr(fillFlags.nonce)
	if err != nil {
		return err
	}
	intent := &crypto.FillIntentEIP712{
		OrderHash: common.BytesToHash(orderHash),
		Resolver:  signer.Address(),
		Amount:    amount,
		Nonce:     nonce,
	}
	sig, err := eip712.SignFillIntent(signer, intent)
	if err != nil {
		return fmt.Errorf("sign fill intent: %w", err)
	}
	req := api.FillRequest{
		Resolver:          signer.Address().Hex(),
		Amount:            amount.String(),
		ExpectedRemaining: fillFlags.expected,
		Nonce:             nonce.String(),
		Signature:         hexutil.Encode(sig),
	}
	return emit(cmd, "/api/v1/orders/"+intent.OrderHash.Hex()+"/fills", req)
}

func runCancel(cmd *cobra.Command, _ []string) error {
	signer, eip712, err := setup(cmd)
	if err != nil {
		return err
	}
	orderHash, err := hexutil.Decode(cancelOrder)
	if err != nil || len(orderHash) != common.HashLength {
		return fmt.Errorf("--order: invalid hash %q", cancelOrder)
	}
	c := &crypto.CancelEIP712{OrderHash: common.BytesToHash(orderHash), Maker: signer.Address()}
	sig, err := eip712.SignCancel(signer, c)
	if err != nil {
		return fmt.Errorf("sign cancel: %w", err)
	}
	return emit(cmd, "/api/v1/orders/"+c.OrderHash.Hex()+"/cancel", api.CancelOrderRequest{Signature: hexutil.Encode(sig)})
}

func masterSecret(s string) (crypto.Secret, error) {
	if s == "" {
		return crypto.NewSecret()
	}
	master, err := crypto.ParseSecret(s)
	if err != nil {
		return crypto.Secret{}, fmt.Errorf("--secret: %w", err)
	}
	return master, nil
}

// runReveal hands the fill secret to the node only once the resolver has
// locked the maker's proceeds under it.
func runReveal(cmd *cobra.Command, _ []string) error {
	master, err := masterSecret(revealFlags.secret)
	if err != nil {
		return err
	}
	swapHash, err := hexutil.Decode(revealFlags.swap)
	if err != nil || len(swapHash) != common.HashLength {
		return fmt.Errorf("--swap: invalid hash %q", revealFlags.swap)
	}
	path := "/api/v1/swaps/" + common.BytesToHash(swapHash).Hex()
	if postURL == "" {
		return fmt.Errorf("reveal needs --post to read the swap")
	}

	var info api.SwapInfo
	if err := getJSON(path, &info); err != nil {
		return err
	}
	secret := crypto.FillSecret(master, info.FillIndex)
	dst := info.Dst
	receiver := revealFlags.receiver
	switch {
	case dst.State != "funded":
		return fmt.Errorf("destination escrow is %s, not funded", dst.State)
	case dst.Hashlock != secret.Hashlock().Hex():
		return fmt.Errorf("destination hashlock %s is not fill %d's", dst.Hashlock, info.FillIndex)
	case receiver != "" && !strings.EqualFold(dst.Recipient, receiver):
		return fmt.Errorf("destination pays %s, not %s", dst.Recipient, receiver)
	case dst.Timelock <= time.Now().Unix():
		return fmt.Errorf("destination escrow expired at %d", dst.Timelock)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Destination %s holds %s %s for %s until %d\n",
		dst.Address, dst.Amount, dst.Token, dst.Recipient, dst.Timelock)

	return emit(cmd, path+"/resolve", api.ResolveRequest{Leg: "dst", Secret: secret.Hex()})
}

func getJSON(path string, out any) error {
	url := strings.TrimRight(postURL, "/") + path
	resp, err := cleanhttp.DefaultClient().Get(url)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("get %s: %s %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// emit prints the request body and, with --post, submits it.
func emit(cmd *cobra.Command, path string, body any) error {
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if postURL == "" {
		return nil
	}

	url := strings.TrimRight(postURL, "/") + path
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(out))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "POST %s -> %s\n", url, resp.Status)
	fmt.Fprintln(cmd.OutOrStdout(), string(reply))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("node rejected request: %s", resp.Status)
	}
	return nil
}
