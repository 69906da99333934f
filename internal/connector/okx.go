package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
)

const okxBaseURL = "https://www.okx.com"

// OKX implements Connector against the OKX v5 public REST API.
type OKX struct {
	*client
	baseURL string

	mu        sync.RWMutex
	instIDs   map[string]string // unified symbol -> instId
	unified   map[string]string // instId -> unified symbol
	perpetual []string          // unified symbols of swap markets
}

// NewOKX builds the OKX connector. BaseURL overrides the production endpoint
// and exists for tests.
func NewOKX(opts ClientOptions, baseURL string) (*OKX, error) {
	c, err := newClient("okx", opts)
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = okxBaseURL
	}
	return &OKX{
		client:  c,
		baseURL: baseURL,
		instIDs: make(map[string]string),
		unified: make(map[string]string),
	}, nil
}

func (o *OKX) Name() string { return "okx" }

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKX) get(ctx context.Context, path string, params url.Values, out any) error {
	var env okxEnvelope
	if err := o.getJSON(ctx, o.baseURL, path, params, &env); err != nil {
		return err
	}
	if env.Code != "0" {
		return apperrors.NewConnectivityError("okx", path, 0,
			fmt.Errorf("api error %s: %s", env.Code, env.Msg))
	}
	return json.Unmarshal(env.Data, out)
}

type okxInstrument struct {
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
	BaseCcy  string `json:"baseCcy"`
	QuoteCcy string `json:"quoteCcy"`
	Uly      string `json:"uly"`
	SettleCy string `json:"settleCcy"`
	CtVal    string `json:"ctVal"`
	CtType   string `json:"ctType"`
	State    string `json:"state"`
	TickSz   string `json:"tickSz"`
	LotSz    string `json:"lotSz"`
	MinSz    string `json:"minSz"`
	ExpTime  string `json:"expTime"`
}

// LoadMarkets fetches spot, swap and dated futures instruments.
func (o *OKX) LoadMarkets(ctx context.Context) ([]models.Market, error) {
	var markets []models.Market
	instIDs := make(map[string]string)
	unified := make(map[string]string)
	var perpetual []string

	for _, instType := range []string{"SPOT", "SWAP", "FUTURES"} {
		var instruments []okxInstrument
		params := url.Values{"instType": {instType}}
		if err := o.get(ctx, "/api/v5/public/instruments", params, &instruments); err != nil {
			return nil, err
		}

		for _, inst := range instruments {
			m, ok := o.toMarket(inst)
			if !ok {
				continue
			}
			markets = append(markets, m)
			instIDs[m.Symbol] = inst.InstID
			unified[inst.InstID] = m.Symbol
			if m.Classify() == models.KindPerpetual {
				perpetual = append(perpetual, m.Symbol)
			}
		}
	}

	o.mu.Lock()
	o.instIDs = instIDs
	o.unified = unified
	o.perpetual = perpetual
	o.mu.Unlock()

	return markets, nil
}

func (o *OKX) toMarket(inst okxInstrument) (models.Market, bool) {
	base, quote := inst.BaseCcy, inst.QuoteCcy
	if base == "" || quote == "" {
		// derivatives carry base/quote in the underlying, e.g. BTC-USDT
		parts := strings.SplitN(inst.Uly, "-", 2)
		if len(parts) != 2 {
			return models.Market{}, false
		}
		base, quote = parts[0], parts[1]
	}

	symbol := base + "/" + quote
	expiry := parseMillis(inst.ExpTime)

	var typ string
	switch inst.InstType {
	case "SPOT":
		typ = "spot"
	case "SWAP":
		typ = "swap"
		symbol += ":" + inst.SettleCy
	case "FUTURES":
		typ = "future"
		symbol += ":" + inst.SettleCy
		// distinguish contracts on the same underlying by delivery date
		if idx := strings.LastIndex(inst.InstID, "-"); idx >= 0 {
			symbol += "-" + inst.InstID[idx+1:]
		}
	default:
		return models.Market{}, false
	}

	raw, _ := json.Marshal(inst)
	return models.Market{
		Symbol:          symbol,
		Base:            base,
		Quote:           quote,
		Active:          inst.State == "live",
		Type:            typ,
		Expiry:          expiry,
		PricePrecision:  precisionFromStep(inst.TickSz),
		AmountPrecision: precisionFromStep(inst.LotSz),
		MinAmount:       models.NullDecimalFromString(inst.MinSz),
		ContractSize:    models.NullDecimalFromString(inst.CtVal),
		Settle:          inst.SettleCy,
		Linear:          inst.CtType == "linear",
		Inverse:         inst.CtType == "inverse",
		Info:            raw,
	}, true
}

type okxTicker struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	BidPx     string `json:"bidPx"`
	BidSz     string `json:"bidSz"`
	AskPx     string `json:"askPx"`
	AskSz     string `json:"askSz"`
	Open24h   string `json:"open24h"`
	High24h   string `json:"high24h"`
	Low24h    string `json:"low24h"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	Ts        string `json:"ts"`
}

// FetchTickers pulls all tickers of one kind in a single request.
func (o *OKX) FetchTickers(ctx context.Context, kind models.MarketKind) (map[string]models.Ticker, error) {
	instType := "SPOT"
	if kind == models.KindPerpetual {
		instType = "SWAP"
	}

	var tickers []okxTicker
	params := url.Values{"instType": {instType}}
	if err := o.get(ctx, "/api/v5/market/tickers", params, &tickers); err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]models.Ticker, len(tickers))
	for _, t := range tickers {
		symbol, ok := o.unified[t.InstID]
		if !ok {
			continue
		}

		last := models.NullDecimalFromString(t.Last)
		open := models.NullDecimalFromString(t.Open24h)
		change, percentage := changeFromOpen(last, open)

		baseVol := models.NullDecimalFromString(t.Vol24h)
		quoteVol := models.NullDecimalFromString(t.VolCcy24h)
		if instType == "SWAP" {
			// swap vol24h counts contracts; volCcy24h carries base units
			baseVol = models.NullDecimalFromString(t.VolCcy24h)
			quoteVol = decimalNull()
			if baseVol.Valid && last.Valid {
				quoteVol = models.NullDecimal(baseVol.Decimal.Mul(last.Decimal))
			}
		}

		raw, _ := json.Marshal(t)
		ts := parseMillis(t.Ts)
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}

		out[symbol] = models.Ticker{
			Symbol:      symbol,
			Last:        last,
			Bid:         models.NullDecimalFromString(t.BidPx),
			Ask:         models.NullDecimalFromString(t.AskPx),
			BidVolume:   models.NullDecimalFromString(t.BidSz),
			AskVolume:   models.NullDecimalFromString(t.AskSz),
			BaseVolume:  baseVol,
			QuoteVolume: quoteVol,
			High:        models.NullDecimalFromString(t.High24h),
			Low:         models.NullDecimalFromString(t.Low24h),
			Open:        open,
			Close:       last,
			Change:      change,
			Percentage:  percentage,
			Timestamp:   ts,
			Info:        raw,
		}
	}
	return out, nil
}

type okxBook struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Ts   string     `json:"ts"`
}

// FetchOrderBooks fans out one depth request per symbol.
func (o *OKX) FetchOrderBooks(ctx context.Context, symbols []string, kind models.MarketKind, depth int) (map[string]models.OrderBook, error) {
	out := make(map[string]models.OrderBook, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		instID := o.lookupInstID(symbol)
		if instID == "" {
			continue
		}

		var books []okxBook
		params := url.Values{
			"instId": {instID},
			"sz":     {fmt.Sprintf("%d", depth)},
		}
		if err := o.get(ctx, "/api/v5/market/books", params, &books); err != nil {
			o.logger.Warn("order book fetch failed, skipping symbol",
				"symbol", symbol, "error", err)
			continue
		}
		if len(books) == 0 {
			continue
		}

		raw, _ := json.Marshal(books[0])
		out[symbol] = models.OrderBook{
			Symbol:    symbol,
			Bids:      parseBookSide(books[0].Bids),
			Asks:      parseBookSide(books[0].Asks),
			Timestamp: parseMillis(books[0].Ts),
			Info:      raw,
		}
	}
	return out, nil
}

type okxFundingRate struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

// FetchFundingRates pulls every funding rate in one request via the ANY
// selector and filters the response to the requested symbols. When the
// batched request fails it falls back to one request per instrument.
func (o *OKX) FetchFundingRates(ctx context.Context, symbols []string) (map[string]models.FundingRateInfo, error) {
	if len(symbols) == 0 {
		o.mu.RLock()
		symbols = append([]string(nil), o.perpetual...)
		o.mu.RUnlock()
	}

	var rates []okxFundingRate
	params := url.Values{"instId": {"ANY"}}
	if err := o.get(ctx, "/api/v5/public/funding-rate", params, &rates); err != nil {
		o.logger.Warn("batched funding rate fetch failed, falling back to per-instrument requests",
			"error", err)
		return o.fetchFundingRatesEach(ctx, symbols)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		wanted[symbol] = true
	}

	out := make(map[string]models.FundingRateInfo, len(symbols))
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, r := range rates {
		symbol, ok := o.unified[r.InstID]
		if !ok || !wanted[symbol] {
			continue
		}
		out[symbol] = okxFundingInfo(symbol, r)
	}
	return out, nil
}

// fetchFundingRatesEach is the fallback path: one request per instrument.
func (o *OKX) fetchFundingRatesEach(ctx context.Context, symbols []string) (map[string]models.FundingRateInfo, error) {
	out := make(map[string]models.FundingRateInfo, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		instID := o.lookupInstID(symbol)
		if instID == "" {
			continue
		}

		var rates []okxFundingRate
		params := url.Values{"instId": {instID}}
		if err := o.get(ctx, "/api/v5/public/funding-rate", params, &rates); err != nil {
			o.logger.Warn("funding rate fetch failed, skipping symbol",
				"symbol", symbol, "error", err)
			continue
		}
		if len(rates) == 0 {
			continue
		}
		out[symbol] = okxFundingInfo(symbol, rates[0])
	}
	return out, nil
}

func okxFundingInfo(symbol string, r okxFundingRate) models.FundingRateInfo {
	raw, _ := json.Marshal(r)
	return models.FundingRateInfo{
		Symbol:          symbol,
		FundingRate:     models.NullDecimalFromString(r.FundingRate),
		FundingTime:     parseMillis(r.FundingTime),
		NextFundingTime: parseMillis(r.NextFundingTime),
		Info:            raw,
	}
}

func (o *OKX) lookupInstID(symbol string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.instIDs[symbol]
}
