package connector

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tenthmarket/go-market-collector/internal/models"
)

const (
	binanceSpotBaseURL    = "https://api.binance.com"
	binanceFuturesBaseURL = "https://fapi.binance.com"
)

// Binance implements Connector against the Binance spot and USD-M futures
// public REST APIs. The two product lines live on separate hosts with
// separate symbol universes.
type Binance struct {
	*client
	spotURL    string
	futuresURL string

	mu          sync.RWMutex
	spotSymbols map[string]string // native -> unified
	futSymbols  map[string]string // native -> unified
	spotNative  map[string]string // unified -> native
	futNative   map[string]string // unified -> native
}

// NewBinance builds the Binance connector. The URL overrides exist for tests;
// empty strings select production endpoints.
func NewBinance(opts ClientOptions, spotURL, futuresURL string) (*Binance, error) {
	c, err := newClient("binance", opts)
	if err != nil {
		return nil, err
	}
	if spotURL == "" {
		spotURL = binanceSpotBaseURL
	}
	if futuresURL == "" {
		futuresURL = binanceFuturesBaseURL
	}
	return &Binance{
		client:      c,
		spotURL:     spotURL,
		futuresURL:  futuresURL,
		spotSymbols: make(map[string]string),
		futSymbols:  make(map[string]string),
		spotNative:  make(map[string]string),
		futNative:   make(map[string]string),
	}, nil
}

func (b *Binance) Name() string { return "binance" }

type binanceFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	MinPrice   string `json:"minPrice"`
	MaxPrice   string `json:"maxPrice"`
	Notional   string `json:"notional"`
	MinNotion  string `json:"minNotional"`
}

type binanceSymbol struct {
	Symbol       string          `json:"symbol"`
	Status       string          `json:"status"`
	BaseAsset    string          `json:"baseAsset"`
	QuoteAsset   string          `json:"quoteAsset"`
	MarginAsset  string          `json:"marginAsset"`
	ContractType string          `json:"contractType"`
	DeliveryDate int64           `json:"deliveryDate"`
	Filters      []binanceFilter `json:"filters"`
}

type binanceExchangeInfo struct {
	Symbols []binanceSymbol `json:"symbols"`
}

// LoadMarkets fetches spot and USD-M futures exchange metadata.
func (b *Binance) LoadMarkets(ctx context.Context) ([]models.Market, error) {
	var spotInfo binanceExchangeInfo
	if err := b.getJSON(ctx, b.spotURL, "/api/v3/exchangeInfo", nil, &spotInfo); err != nil {
		return nil, err
	}
	var futInfo binanceExchangeInfo
	if err := b.getJSON(ctx, b.futuresURL, "/fapi/v1/exchangeInfo", nil, &futInfo); err != nil {
		return nil, err
	}

	var markets []models.Market
	spotSymbols := make(map[string]string, len(spotInfo.Symbols))
	futSymbols := make(map[string]string, len(futInfo.Symbols))
	spotNative := make(map[string]string, len(spotInfo.Symbols))
	futNative := make(map[string]string, len(futInfo.Symbols))

	for _, s := range spotInfo.Symbols {
		m := b.toMarket(s, false)
		markets = append(markets, m)
		spotSymbols[s.Symbol] = m.Symbol
		spotNative[m.Symbol] = s.Symbol
	}
	for _, s := range futInfo.Symbols {
		m := b.toMarket(s, true)
		markets = append(markets, m)
		futSymbols[s.Symbol] = m.Symbol
		futNative[m.Symbol] = s.Symbol
	}

	b.mu.Lock()
	b.spotSymbols = spotSymbols
	b.futSymbols = futSymbols
	b.spotNative = spotNative
	b.futNative = futNative
	b.mu.Unlock()

	return markets, nil
}

func (b *Binance) toMarket(s binanceSymbol, futures bool) models.Market {
	raw, _ := json.Marshal(s)
	m := models.Market{
		Base:   s.BaseAsset,
		Quote:  s.QuoteAsset,
		Active: s.Status == "TRADING",
		Info:   raw,
	}

	if futures {
		m.Settle = s.MarginAsset
		m.Linear = s.MarginAsset == s.QuoteAsset
		m.Inverse = !m.Linear
		switch s.ContractType {
		case "PERPETUAL":
			m.Type = "swap"
			m.Symbol = s.BaseAsset + "/" + s.QuoteAsset + ":" + s.MarginAsset
		default:
			m.Type = "future"
			m.Expiry = s.DeliveryDate
			m.Symbol = s.BaseAsset + "/" + s.QuoteAsset + ":" + s.MarginAsset + "-" + s.Symbol
		}
	} else {
		m.Type = "spot"
		m.Symbol = s.BaseAsset + "/" + s.QuoteAsset
	}

	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			m.PricePrecision = precisionFromStep(f.TickSize)
			m.MinPrice = models.NullDecimalFromString(f.MinPrice)
			m.MaxPrice = models.NullDecimalFromString(f.MaxPrice)
		case "LOT_SIZE":
			m.AmountPrecision = precisionFromStep(f.StepSize)
			m.MinAmount = models.NullDecimalFromString(f.MinQty)
			m.MaxAmount = models.NullDecimalFromString(f.MaxQty)
		case "NOTIONAL", "MIN_NOTIONAL":
			if f.Notional != "" {
				m.MinCost = models.NullDecimalFromString(f.Notional)
			} else {
				m.MinCost = models.NullDecimalFromString(f.MinNotion)
			}
		}
	}
	return m
}

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	BidQty             string `json:"bidQty"`
	AskPrice           string `json:"askPrice"`
	AskQty             string `json:"askQty"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	PrevClosePrice     string `json:"prevClosePrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	Count              int64  `json:"count"`
	CloseTime          int64  `json:"closeTime"`
}

// FetchTickers pulls all 24h tickers of one kind in a single request.
func (b *Binance) FetchTickers(ctx context.Context, kind models.MarketKind) (map[string]models.Ticker, error) {
	baseURL, path := b.spotURL, "/api/v3/ticker/24hr"
	if kind == models.KindPerpetual {
		baseURL, path = b.futuresURL, "/fapi/v1/ticker/24hr"
	}

	var tickers []binanceTicker
	if err := b.getJSON(ctx, baseURL, path, nil, &tickers); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]models.Ticker, len(tickers))
	for _, t := range tickers {
		symbol := b.lookupUnifiedLocked(t.Symbol, kind)
		if symbol == "" {
			continue
		}

		raw, _ := json.Marshal(t)
		ts := t.CloseTime
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}

		tk := models.Ticker{
			Symbol:      symbol,
			Last:        models.NullDecimalFromString(t.LastPrice),
			Bid:         models.NullDecimalFromString(t.BidPrice),
			Ask:         models.NullDecimalFromString(t.AskPrice),
			BidVolume:   models.NullDecimalFromString(t.BidQty),
			AskVolume:   models.NullDecimalFromString(t.AskQty),
			BaseVolume:  models.NullDecimalFromString(t.Volume),
			QuoteVolume: models.NullDecimalFromString(t.QuoteVolume),
			High:        models.NullDecimalFromString(t.HighPrice),
			Low:         models.NullDecimalFromString(t.LowPrice),
			Open:        models.NullDecimalFromString(t.OpenPrice),
			Close:       models.NullDecimalFromString(t.PrevClosePrice),
			Change:      models.NullDecimalFromString(t.PriceChange),
			Percentage:  models.NullDecimalFromString(t.PriceChangePercent),
			Timestamp:   ts,
			Info:        raw,
		}
		if t.Count > 0 {
			tk.Count.Int64 = t.Count
			tk.Count.Valid = true
		}
		out[symbol] = tk
	}
	return out, nil
}

type binanceDepth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// FetchOrderBooks fans out one depth request per symbol.
func (b *Binance) FetchOrderBooks(ctx context.Context, symbols []string, kind models.MarketKind, depth int) (map[string]models.OrderBook, error) {
	baseURL, path := b.spotURL, "/api/v3/depth"
	if kind == models.KindPerpetual {
		baseURL, path = b.futuresURL, "/fapi/v1/depth"
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

		var book binanceDepth
		params := url.Values{
			"symbol": {native},
			"limit":  {strconv.Itoa(depth)},
		}
		if err := b.getJSON(ctx, baseURL, path, params, &book); err != nil {
			b.logger.Warn("order book fetch failed, skipping symbol",
				"symbol", symbol, "error", err)
			continue
		}

		raw, _ := json.Marshal(book)
		out[symbol] = models.OrderBook{
			Symbol:    symbol,
			Bids:      parseBookSide(book.Bids),
			Asks:      parseBookSide(book.Asks),
			Timestamp: time.Now().UnixMilli(),
			Info:      raw,
		}
	}
	return out, nil
}

type binancePremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// FetchFundingRates pulls the whole premium index in one request; it covers
// every USD-M futures symbol including mark and index prices.
func (b *Binance) FetchFundingRates(ctx context.Context, symbols []string) (map[string]models.FundingRateInfo, error) {
	var rows []binancePremiumIndex
	if err := b.getJSON(ctx, b.futuresURL, "/fapi/v1/premiumIndex", nil, &rows); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]models.FundingRateInfo, len(rows))
	for _, r := range rows {
		symbol := b.futSymbols[r.Symbol]
		if symbol == "" {
			continue
		}
		if len(want) > 0 && !want[symbol] {
			continue
		}

		raw, _ := json.Marshal(r)
		out[symbol] = models.FundingRateInfo{
			Symbol:          symbol,
			FundingRate:     models.NullDecimalFromString(r.LastFundingRate),
			NextFundingTime: r.NextFundingTime,
			MarkPrice:       models.NullDecimalFromString(r.MarkPrice),
			IndexPrice:      models.NullDecimalFromString(r.IndexPrice),
			Info:            raw,
		}
	}
	return out, nil
}

func (b *Binance) lookupUnifiedLocked(native string, kind models.MarketKind) string {
	if kind == models.KindPerpetual {
		return b.futSymbols[native]
	}
	return b.spotSymbols[native]
}

func (b *Binance) lookupNative(symbol string, kind models.MarketKind) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if kind == models.KindPerpetual {
		return b.futNative[symbol]
	}
	return b.spotNative[symbol]
}
