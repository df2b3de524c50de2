package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var ErrFeedUnavailable = errors.New("price feed unavailable")

// Pair names a CoinGecko coin id and a vs-currency, e.g. ethereum/usd.
type Pair struct {
	Base  string
	Quote string
}

var EthUSD = Pair{Base: "ethereum", Quote: "usd"}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

type Oracle interface {
	Rate(ctx context.Context, pair Pair) (decimal.Decimal, error)
}

type CoinGecko struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

type CoinGeckoConfig struct {
	BaseURL string
	Timeout time.Duration
	// RPS caps outbound calls; the public API throttles aggressively.
	RPS float64
}

func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 0.5
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		timeout: cfg.Timeout,
	}
}

// Rate fetches the current quote. The limiter wait counts against the same
// timeout as the request, so a queue of callers fails fast instead of stalling.
func (c *CoinGecko) Rate(ctx context.Context, pair Pair) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	q := url.Values{}
	q.Set("ids", pair.Base)
	q.Set("vs_currencies", pair.Quote)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrFeedUnavailable, resp.StatusCode)
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrFeedUnavailable, err)
	}

	r, ok := body[pair.Base][pair.Quote]
	if !ok || !r.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no %s quote", ErrFeedUnavailable, pair)
	}
	return r, nil
}
