package storage

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/tenthmarket/go-market-collector/internal/models"
)

// MemoryGateway is a thread-safe in-memory Gateway. It backs tests and keeps
// the same natural-key semantics as the DuckDB implementation.
type MemoryGateway struct {
	mu sync.RWMutex

	pairs     map[string]map[pairKey]models.TradingPair
	spot      map[string]map[string]models.SpotTicker
	perpetual map[string]map[string]models.PerpetualTicker
	books     map[string]map[bookKey][]models.OrderBookLevel
	funding   map[string]map[fundingKey]models.FundingRateRecord
	statuses  map[string]models.ExchangeStatus
}

type pairKey struct {
	symbol string
	kind   models.MarketKind
}

type bookKey struct {
	symbol string
	kind   models.MarketKind
}

type fundingKey struct {
	symbol      string
	fundingTime int64
}

// NewMemoryGateway builds an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		pairs:     make(map[string]map[pairKey]models.TradingPair),
		spot:      make(map[string]map[string]models.SpotTicker),
		perpetual: make(map[string]map[string]models.PerpetualTicker),
		books:     make(map[string]map[bookKey][]models.OrderBookLevel),
		funding:   make(map[string]map[fundingKey]models.FundingRateRecord),
		statuses:  make(map[string]models.ExchangeStatus),
	}
}

func (m *MemoryGateway) Initialize(ctx context.Context) error { return nil }
func (m *MemoryGateway) Close() error                         { return nil }

func (m *MemoryGateway) UpsertTradingPairs(ctx context.Context, exchange string, rows []models.TradingPair) (int, error) {
	if _, err := TableName(exchange, "tradingPairs"); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.pairs[exchange]
	if tbl == nil {
		tbl = make(map[pairKey]models.TradingPair)
		m.pairs[exchange] = tbl
	}
	for _, row := range rows {
		tbl[pairKey{row.Symbol, row.Kind}] = row
	}
	return len(rows), nil
}

func (m *MemoryGateway) UpsertSpotTickers(ctx context.Context, exchange string, rows []models.SpotTicker) (int, error) {
	if _, err := TableName(exchange, "spot"); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.spot[exchange]
	if tbl == nil {
		tbl = make(map[string]models.SpotTicker)
		m.spot[exchange] = tbl
	}
	for _, row := range rows {
		tbl[row.Symbol] = row
	}
	return len(rows), nil
}

func (m *MemoryGateway) UpsertPerpetualTickers(ctx context.Context, exchange string, rows []models.PerpetualTicker) (int, error) {
	if _, err := TableName(exchange, "perpetual"); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.perpetual[exchange]
	if tbl == nil {
		tbl = make(map[string]models.PerpetualTicker)
		m.perpetual[exchange] = tbl
	}
	for _, row := range rows {
		tbl[row.Symbol] = row
	}
	return len(rows), nil
}

func (m *MemoryGateway) ReplaceOrderBookLevels(ctx context.Context, exchange string, rows []models.OrderBookLevel) (int, error) {
	if _, err := TableName(exchange, "orderbook"); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.books[exchange]
	if tbl == nil {
		tbl = make(map[bookKey][]models.OrderBookLevel)
		m.books[exchange] = tbl
	}

	grouped := make(map[bookKey][]models.OrderBookLevel)
	for _, row := range rows {
		k := bookKey{row.Symbol, row.Kind}
		grouped[k] = append(grouped[k], row)
	}
	for k, levels := range grouped {
		tbl[k] = levels
	}
	return len(rows), nil
}

func (m *MemoryGateway) InsertFundingRates(ctx context.Context, exchange string, rows []models.FundingRateRecord) (int, error) {
	if _, err := TableName(exchange, "fundingRate"); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.funding[exchange]
	if tbl == nil {
		tbl = make(map[fundingKey]models.FundingRateRecord)
		m.funding[exchange] = tbl
	}
	for _, row := range rows {
		tbl[fundingKey{row.Symbol, row.FundingTime}] = row
	}
	return len(rows), nil
}

func (m *MemoryGateway) UpdateExchangeStatus(ctx context.Context, exchange string, update models.StatusUpdate) {
	if !validExchanges[exchange] {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	s := m.statuses[exchange]
	s.Exchange = exchange
	s.State = update.State
	s.UpdatedAt = now

	if !update.At.IsZero() {
		ts := nullTime(update.At)
		switch update.DataType {
		case models.DataTradingPairs:
			s.LastPairsUpdate = ts
		case models.DataSpot:
			s.LastSpotUpdate = ts
		case models.DataPerpetual:
			s.LastPerpetualUpdate = ts
		case models.DataOrderBook:
			s.LastOrderbookUpdate = ts
		case models.DataFundingRate:
			s.LastFundingUpdate = ts
		}
	}
	if update.SpotPairCount != nil {
		s.ActiveSpotPairs.Int64 = *update.SpotPairCount
		s.ActiveSpotPairs.Valid = true
	}
	if update.PerpetualPairCount != nil {
		s.ActivePerpetualPairs.Int64 = *update.PerpetualPairCount
		s.ActivePerpetualPairs.Valid = true
	}
	if update.State == models.StateError {
		s.ErrorMessage.String = update.ErrorMessage
		s.ErrorMessage.Valid = true
		s.LastErrorTime = nullTime(now)
	} else {
		s.ErrorMessage.Valid = false
		s.ErrorMessage.String = ""
	}

	m.statuses[exchange] = s
}

func (m *MemoryGateway) GetExchangeStatuses(ctx context.Context) ([]models.ExchangeStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ExchangeStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out, nil
}

func (m *MemoryGateway) TopSymbolsByVolume(ctx context.Context, exchange string, kind models.MarketKind, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		symbol string
		volume float64
	}
	var entries []entry

	if kind == models.KindPerpetual {
		for symbol, t := range m.perpetual[exchange] {
			v := 0.0
			if t.VolumeQuote24h.Valid {
				v, _ = t.VolumeQuote24h.Decimal.Float64()
			}
			entries = append(entries, entry{symbol, v})
		}
	} else {
		for symbol, t := range m.spot[exchange] {
			v := 0.0
			if t.VolumeQuote24h.Valid {
				v, _ = t.VolumeQuote24h.Decimal.Float64()
			}
			entries = append(entries, entry{symbol, v})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].volume != entries[j].volume {
			return entries[i].volume > entries[j].volume
		}
		return entries[i].symbol < entries[j].symbol
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	symbols := make([]string, len(entries))
	for i, e := range entries {
		symbols[i] = e.symbol
	}
	return symbols, nil
}

// Test inspection helpers.

// SpotTicker returns the stored spot ticker for a symbol, if present.
func (m *MemoryGateway) SpotTicker(exchange, symbol string) (models.SpotTicker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.spot[exchange][symbol]
	return t, ok
}

// PerpetualTicker returns the stored perpetual ticker for a symbol.
func (m *MemoryGateway) PerpetualTicker(exchange, symbol string) (models.PerpetualTicker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.perpetual[exchange][symbol]
	return t, ok
}

// OrderBookLevels returns the stored levels for one (symbol, kind).
func (m *MemoryGateway) OrderBookLevels(exchange, symbol string, kind models.MarketKind) []models.OrderBookLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books[exchange][bookKey{symbol, kind}]
}

// FundingRateCount returns the number of stored funding records.
func (m *MemoryGateway) FundingRateCount(exchange string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.funding[exchange])
}

// TradingPairCount returns the number of stored pair rows.
func (m *MemoryGateway) TradingPairCount(exchange string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pairs[exchange])
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
