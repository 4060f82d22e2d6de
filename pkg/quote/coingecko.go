package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperswap/pkg/errs"
)

const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// Asset maps an order asset to its CoinGecko coin id.
type Asset struct {
	ID       string
	Decimals int32
}

// CoinGecko reads /simple/price. Assets without an entry are rejected.
type CoinGecko struct {
	BaseURL string
	Assets  map[string]Asset
	Client  *http.Client
}

func NewCoinGecko(assets map[string]Asset) *CoinGecko {
	return &CoinGecko{
		BaseURL: DefaultCoinGeckoURL,
		Assets:  assets,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// {"ethereum":{"usd":3012.5,"last_updated_at":1700000000}}
type simplePriceResponse map[string]map[string]decimal.Decimal

func (c *CoinGecko) Price(ctx context.Context, asset, vs string) (Quote, error) {
	const op = "quote.CoinGecko"
	a, ok := c.Assets[asset]
	if !ok {
		return Quote{}, errs.Validation(op, "no coin id for %s", asset)
	}
	vs = strings.ToLower(vs)

	q := url.Values{}
	q.Set("ids", a.ID)
	q.Set("vs_currencies", vs)
	q.Set("include_last_updated_at", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, errs.Wrap(errs.KindValidation, op, err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return Quote{}, errs.Wrap(errs.KindExternal, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Quote{}, errs.Wrap(errs.KindExternal, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, errs.External(op, "coingecko returned %d", resp.StatusCode)
	}

	var parsed simplePriceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Quote{}, errs.Wrap(errs.KindExternal, op, fmt.Errorf("decode price: %w", err))
	}
	fields, ok := parsed[a.ID]
	if !ok {
		return Quote{}, errs.External(op, "no %s entry in response", a.ID)
	}
	price, ok := fields[vs]
	if !ok {
		return Quote{}, errs.External(op, "no %s price for %s", vs, a.ID)
	}
	at := time.Now()
	if ts, ok := fields["last_updated_at"]; ok {
		at = time.Unix(ts.IntPart(), 0)
	}
	return Quote{Asset: asset, Vs: vs, Price: price, Decimals: a.Decimals, At: at}, nil
}
