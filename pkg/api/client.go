package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
)

const clientTimeout = 10 * time.Second

// Client talks to the node that owns an order. It is how a resolver on
// another node reads and fills that order, so every fill still goes
// through the one book that serializes them.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	signer *crypto.Signer
	eip712 *crypto.EIP712Signer
}

// NewClient signs fill intents with signer. baseURL is the owner's API
// root, e.g. http://node-a:8080.
func NewClient(baseURL string, signer *crypto.Signer, eip712 *crypto.EIP712Signer) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = clientTimeout
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    hc,
		signer:  signer,
		eip712:  eip712,
	}
}

// GetOrder fetches the owner's current view of the order. The maker
// signature is checked here; a node cannot hand out terms the maker did
// not sign.
func (c *Client) GetOrder(hash common.Hash) (*orderbook.Order, error) {
	const op = "api.Client.GetOrder"
	var info OrderInfo
	if err := c.call(context.Background(), op, http.MethodGet, "/api/v1/orders/"+hash.Hex(), nil, &info); err != nil {
		return nil, err
	}
	o, err := info.Order()
	if err != nil {
		return nil, err
	}
	signed, err := c.eip712.HashOrder(o.TypedData())
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}
	if signed != hash || o.Hash != hash {
		return nil, errs.Validation(op, "owner returned order %s for %s", signed.Hex(), hash.Hex())
	}
	if signer, err := crypto.RecoverAddress(signed.Bytes(), o.Signature); err != nil || signer != o.Maker {
		return nil, errs.Validation(op, "order %s is not signed by maker %s", hash.Hex(), o.Maker.Hex())
	}
	return o, nil
}

// SubmitFillExpecting signs a fill intent for resolver and posts it to
// the owner. Rejections keep their kind, so a lost race is StateConflict
// just as it is against a local book.
func (c *Client) SubmitFillExpecting(hash common.Hash, resolver common.Address, amount, expectedRemaining *big.Int) (*orderbook.FillRecord, error) {
	const op = "api.Client.SubmitFill"
	if resolver != c.signer.Address() {
		return nil, errs.Validation(op, "client signs for %s, not %s", c.signer.Address().Hex(), resolver.Hex())
	}
	intent := &crypto.FillIntentEIP712{
		OrderHash: hash,
		Resolver:  resolver,
		Amount:    amount,
		Nonce:     big.NewInt(time.Now().UnixNano()),
	}
	sig, err := c.eip712.SignFillIntent(c.signer, intent)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}
	req := FillRequest{
		Resolver:  resolver.Hex(),
		Amount:    amount.String(),
		Nonce:     intent.Nonce.String(),
		Signature: hexutil.Encode(sig),
	}
	if expectedRemaining != nil {
		req.ExpectedRemaining = expectedRemaining.String()
	}
	var info FillInfo
	if err := c.call(context.Background(), op, http.MethodPost, "/api/v1/orders/"+hash.Hex()+"/fills", req, &info); err != nil {
		return nil, err
	}
	return info.FillRecord()
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errs.Wrap(errs.KindValidation, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindExternal, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Wrap(errs.KindExternal, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		_ = json.Unmarshal(data, &e)
		return remoteError(op, resp.StatusCode, e)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Wrap(errs.KindExternal, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// remoteError restores the kind the owner reported, falling back to the
// HTTP status.
func remoteError(op string, status int, e ErrorResponse) error {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	kind := map[string]errs.Kind{
		errs.KindValidation.String():     errs.KindValidation,
		errs.KindStateConflict.String():  errs.KindStateConflict,
		errs.KindTiming.String():         errs.KindTiming,
		errs.KindSecretMismatch.String(): errs.KindSecretMismatch,
		errs.KindExternal.String():       errs.KindExternal,
	}[e.Kind]
	if kind == errs.KindUnknown {
		switch {
		case status == http.StatusConflict:
			kind = errs.KindStateConflict
		case status >= 400 && status < 500:
			kind = errs.KindValidation
		default:
			kind = errs.KindExternal
		}
	}
	return errs.Wrap(kind, op, fmt.Errorf("owner returned %d: %s", status, msg))
}
