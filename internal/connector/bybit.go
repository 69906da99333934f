package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
)

const bybitBaseURL = "https://api.bybit.com"

// Bybit implements Connector against the Bybit v5 public REST API. Linear
// tickers already carry mark price, index price, open interest and the
// current funding rate, so perpetual collection needs no extra endpoints.
type Bybit struct {
	*client
	baseURL string

	mu         sync.RWMutex
	spotUni    map[string]string // native -> unified
	linearUni  map[string]string // native -> unified
	spotNat    map[string]string // unified -> native
	linearNat  map[string]string // unified -> native
	lastLinear map[string]bybitTicker
}

// NewBybit builds the Bybit connector. BaseURL overrides the production
// endpoint and exists for tests.
func NewBybit(opts ClientOptions, baseURL string) (*Bybit, error) {
	c, err := newClient("bybit", opts)
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = bybitBaseURL
	}
	return &Bybit{
		client:    c,
		baseURL:   baseURL,
		spotUni:   make(map[string]string),
		linearUni: make(map[string]string),
		spotNat:   make(map[string]string),
		linearNat: make(map[string]string),
	}, nil
}

func (b *Bybit) Name() string { return "bybit" }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *Bybit) get(ctx context.Context, path string, params url.Values, out any) error {
	var env bybitEnvelope
	if err := b.getJSON(ctx, b.baseURL, path, params, &env); err != nil {
		return err
	}
	if env.RetCode != 0 {
		return apperrors.NewConnectivityError("bybit", path, 0,
			fmt.Errorf("api error %d: %s", env.RetCode, env.RetMsg))
	}
	return json.Unmarshal(env.Result, out)
}

type bybitInstrument struct {
	Symbol       string `json:"symbol"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	SettleCoin   string `json:"settleCoin"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	DeliveryTime string `json:"deliveryTime"`
	PriceFilter  struct {
		TickSize string `json:"tickSize"`
		MinPrice string `json:"minPrice"`
		MaxPrice string `json:"maxPrice"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		BasePrec    string `json:"basePrecision"`
		MinOrderQty string `json:"minOrderQty"`
		MaxOrderQty string `json:"maxOrderQty"`
		MinOrderAmt string `json:"minOrderAmt"`
	} `json:"lotSizeFilter"`
}

type bybitInstrumentList struct {
	List []bybitInstrument `json:"list"`
}

// LoadMarkets fetches spot and linear derivative instruments.
func (b *Bybit) LoadMarkets(ctx context.Context) ([]models.Market, error) {
	var markets []models.Market
	spotUni := make(map[string]string)
	linearUni := make(map[string]string)
	spotNat := make(map[string]string)
	linearNat := make(map[string]string)

	for _, category := range []string{"spot", "linear"} {
		var result bybitInstrumentList
		params := url.Values{
			"category": {category},
			"limit":    {"1000"},
		}
		if err := b.get(ctx, "/v5/market/instruments-info", params, &result); err != nil {
			return nil, err
		}

		for _, inst := range result.List {
			m := b.toMarket(inst, category)
			markets = append(markets, m)
			if category == "spot" {
				spotUni[inst.Symbol] = m.Symbol
				spotNat[m.Symbol] = inst.Symbol
			} else {
				linearUni[inst.Symbol] = m.Symbol
				linearNat[m.Symbol] = inst.Symbol
			}
		}
	}

	b.mu.Lock()
	b.spotUni = spotUni
	b.linearUni = linearUni
	b.spotNat = spotNat
	b.linearNat = linearNat
	b.mu.Unlock()

	return markets, nil
}

func (b *Bybit) toMarket(inst bybitInstrument, category string) models.Market {
	raw, _ := json.Marshal(inst)
	m := models.Market{
		Base:            inst.BaseCoin,
		Quote:           inst.QuoteCoin,
		Active:          inst.Status == "Trading",
		PricePrecision:  precisionFromStep(inst.PriceFilter.TickSize),
		MinPrice:        models.NullDecimalFromString(inst.PriceFilter.MinPrice),
		MaxPrice:        models.NullDecimalFromString(inst.PriceFilter.MaxPrice),
		MinAmount:       models.NullDecimalFromString(inst.LotSizeFilter.MinOrderQty),
		MaxAmount:       models.NullDecimalFromString(inst.LotSizeFilter.MaxOrderQty),
		MinCost:         models.NullDecimalFromString(inst.LotSizeFilter.MinOrderAmt),
		AmountPrecision: precisionFromStep(inst.LotSizeFilter.QtyStep),
		Info:            raw,
	}

	if category == "spot" {
		m.Type = "spot"
		m.Symbol = inst.BaseCoin + "/" + inst.QuoteCoin
		m.AmountPrecision = precisionFromStep(inst.LotSizeFilter.BasePrec)
		return m
	}

	m.Settle = inst.SettleCoin
	m.Linear = true
	m.Expiry = parseMillis(inst.DeliveryTime)
	if inst.ContractType == "LinearFutures" && m.Expiry != 0 {
		m.Type = "future"
		m.Symbol = inst.BaseCoin + "/" + inst.QuoteCoin + ":" + inst.SettleCoin + "-" + inst.Symbol
	} else {
		m.Type = "swap"
		m.Expiry = 0
		m.Symbol = inst.BaseCoin + "/" + inst.QuoteCoin + ":" + inst.SettleCoin
	}
	return m
}

type bybitTicker struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	Bid1Price         string `json:"bid1Price"`
	Bid1Size          string `json:"bid1Size"`
	Ask1Price         string `json:"ask1Price"`
	Ask1Size          string `json:"ask1Size"`
	PrevPrice24h      string `json:"prevPrice24h"`
	Price24hPcnt      string `json:"price24hPcnt"`
	HighPrice24h      string `json:"highPrice24h"`
	LowPrice24h       string `json:"lowPrice24h"`
	Volume24h         string `json:"volume24h"`
	Turnover24h       string `json:"turnover24h"`
	MarkPrice         string `json:"markPrice"`
	IndexPrice        string `json:"indexPrice"`
	OpenInterest      string `json:"openInterest"`
	OpenInterestValue string `json:"openInterestValue"`
	FundingRate       string `json:"fundingRate"`
	NextFundingTime   string `json:"nextFundingTime"`
}

type bybitTickerList struct {
	List []bybitTicker `json:"list"`
}

// FetchTickers pulls all tickers of one category in a single request. Linear
// responses are cached so FetchFundingRates can answer without a second
// request in the same cycle.
func (b *Bybit) FetchTickers(ctx context.Context, kind models.MarketKind) (map[string]models.Ticker, error) {
	category := "spot"
	if kind == models.KindPerpetual {
		category = "linear"
	}

	var result bybitTickerList
	params := url.Values{"category": {category}}
	if err := b.get(ctx, "/v5/market/tickers", params, &result); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if category == "linear" {
		cache := make(map[string]bybitTicker, len(result.List))
		for _, t := range result.List {
			cache[t.Symbol] = t
		}
		b.lastLinear = cache
	}

	now := time.Now().UnixMilli()
	out := make(map[string]models.Ticker, len(result.List))
	for _, t := range result.List {
		var symbol string
		if category == "spot" {
			symbol = b.spotUni[t.Symbol]
		} else {
			symbol = b.linearUni[t.Symbol]
		}
		if symbol == "" {
			continue
		}

		last := models.NullDecimalFromString(t.LastPrice)
		prev := models.NullDecimalFromString(t.PrevPrice24h)
		change, _ := changeFromOpen(last, prev)

		// price24hPcnt is a ratio, the unified percentage is *100
		percentage := models.NullDecimalFromString(t.Price24hPcnt)
		if percentage.Valid {
			percentage = models.NullDecimal(percentage.Decimal.Mul(hundred))
		}

		raw, _ := json.Marshal(t)
		out[symbol] = models.Ticker{
			Symbol:       symbol,
			Last:         last,
			Bid:          models.NullDecimalFromString(t.Bid1Price),
			Ask:          models.NullDecimalFromString(t.Ask1Price),
			BidVolume:    models.NullDecimalFromString(t.Bid1Size),
			AskVolume:    models.NullDecimalFromString(t.Ask1Size),
			BaseVolume:   models.NullDecimalFromString(t.Volume24h),
			QuoteVolume:  models.NullDecimalFromString(t.Turnover24h),
			High:         models.NullDecimalFromString(t.HighPrice24h),
			Low:          models.NullDecimalFromString(t.LowPrice24h),
			Open:         prev,
			Close:        last,
			Change:       change,
			Percentage:   percentage,
			MarkPrice:    models.NullDecimalFromString(t.MarkPrice),
			IndexPrice:   models.NullDecimalFromString(t.IndexPrice),
			OpenInterest: models.NullDecimalFromString(t.OpenInterest),
			Timestamp:    now,
			Info:         raw,
		}
	}
	return out, nil
}

type bybitBook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Ts     int64      `json:"ts"`
}

// FetchOrderBooks fans out one depth request per symbol.
func (b *Bybit) FetchOrderBooks(ctx context.Context, symbols []string, kind models.MarketKind, depth int) (map[string]models.OrderBook, error) {
	category := "spot"
	if kind == models.KindPerpetual {
		category = "linear"
	}

	out := make(map[string]models.OrderBook, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		native := b.lookupNative(symbol, kind)
		if native == "" {
			continue
		}

		var book bybitBook
		params := url.Values{
			"category": {category},
			"symbol":   {native},
			"limit":    {strconv.Itoa(depth)},
		}
		if err := b.get(ctx, "/v5/market/orderbook", params, &book); err != nil {
			b.logger.Warn("order book fetch failed, skipping symbol",
				"symbol", symbol, "error", err)
			continue
		}

		raw, _ := json.Marshal(book)
		out[symbol] = models.OrderBook{
			Symbol:    symbol,
			Bids:      parseBookSide(book.Bids),
			Asks:      parseBookSide(book.Asks),
			Timestamp: book.Ts,
			Info:      raw,
		}
	}
	return out, nil
}

// FetchFundingRates answers from the linear ticker cache when a ticker fetch
// already ran this cycle, otherwise it issues one linear tickers request.
func (b *Bybit) FetchFundingRates(ctx context.Context, symbols []string) (map[string]models.FundingRateInfo, error) {
	b.mu.RLock()
	cache := b.lastLinear
	b.mu.RUnlock()

	if cache == nil {
		if _, err := b.FetchTickers(ctx, models.KindPerpetual); err != nil {
			return nil, err
		}
		b.mu.RLock()
		cache = b.lastLinear
		b.mu.RUnlock()
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]models.FundingRateInfo, len(cache))
	for native, t := range cache {
		symbol := b.linearUni[native]
		if symbol == "" || t.FundingRate == "" {
			continue
		}
		if len(want) > 0 && !want[symbol] {
			continue
		}

		raw, _ := json.Marshal(t)
		out[symbol] = models.FundingRateInfo{
			Symbol:          symbol,
			FundingRate:     models.NullDecimalFromString(t.FundingRate),
			NextFundingTime: parseMillis(t.NextFundingTime),
			MarkPrice:       models.NullDecimalFromString(t.MarkPrice),
			IndexPrice:      models.NullDecimalFromString(t.IndexPrice),
			Info:            raw,
		}
	}
	return out, nil
}

func (b *Bybit) lookupNative(symbol string, kind models.MarketKind) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if kind == models.KindPerpetual {
		return b.linearNat[symbol]
	}
	return b.spotNat[symbol]
}
