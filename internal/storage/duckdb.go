package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
)

// DuckDBGateway implements Gateway on an embedded DuckDB database. The
// connection pool is pinned to a single connection; DuckDB favors a single
// writer and the collector's write path is serialized anyway.
type DuckDBGateway struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBGateway opens (or creates) the database at dbPath. ":memory:" is
// accepted for tests.
func NewDuckDBGateway(dbPath string, logger *slog.Logger) (*DuckDBGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, apperrors.NewPersistenceError("", "open", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBGateway{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize creates every exchange's tables plus the shared status table.
func (g *DuckDBGateway) Initialize(ctx context.Context) error {
	g.logger.Info("initializing storage", "db_path", g.dbPath)

	for _, exchange := range Exchanges() {
		for _, ddl := range exchangeDDL(exchange) {
			if _, err := g.db.ExecContext(ctx, ddl); err != nil {
				return apperrors.NewPersistenceError(exchange, "migrate", err)
			}
		}
	}

	if _, err := g.db.ExecContext(ctx, statusDDL); err != nil {
		return apperrors.NewPersistenceError("exchange_status", "migrate", err)
	}

	g.logger.Info("storage initialized", "exchanges", len(Exchanges()))
	return nil
}

func (g *DuckDBGateway) Close() error {
	return g.db.Close()
}

const statusDDL = `
CREATE TABLE IF NOT EXISTS exchange_status (
	exchange VARCHAR PRIMARY KEY,
	status VARCHAR NOT NULL,
	last_spot_update TIMESTAMPTZ,
	last_perpetual_update TIMESTAMPTZ,
	last_orderbook_update TIMESTAMPTZ,
	last_funding_update TIMESTAMPTZ,
	last_pairs_update TIMESTAMPTZ,
	active_spot_pairs BIGINT,
	active_perpetual_pairs BIGINT,
	error_message VARCHAR,
	last_error_time TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
)`

func exchangeDDL(exchange string) []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_trading_pairs (
	symbol VARCHAR NOT NULL,
	base_asset VARCHAR NOT NULL,
	quote_asset VARCHAR NOT NULL,
	type VARCHAR NOT NULL,
	is_active BOOLEAN NOT NULL,
	precision_price INTEGER,
	precision_amount INTEGER,
	min_amount DECIMAL(38,18),
	max_amount DECIMAL(38,18),
	min_cost DECIMAL(38,18),
	max_cost DECIMAL(38,18),
	min_price DECIMAL(38,18),
	max_price DECIMAL(38,18),
	tick_size DECIMAL(38,18),
	step_size DECIMAL(38,18),
	contract_size DECIMAL(38,18),
	settlement_currency VARCHAR,
	is_linear BOOLEAN,
	is_inverse BOOLEAN,
	raw_data VARCHAR,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, type)
)`, exchange),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_spot_data (
	symbol VARCHAR PRIMARY KEY,
	base_asset VARCHAR NOT NULL,
	quote_asset VARCHAR NOT NULL,
	last_price DECIMAL(38,18),
	bid_price DECIMAL(38,18),
	ask_price DECIMAL(38,18),
	bid_size DECIMAL(38,18),
	ask_size DECIMAL(38,18),
	volume_24h DECIMAL(38,18),
	volume_base_24h DECIMAL(38,18),
	volume_quote_24h DECIMAL(38,18),
	high_24h DECIMAL(38,18),
	low_24h DECIMAL(38,18),
	open_24h DECIMAL(38,18),
	close_24h DECIMAL(38,18),
	price_change_24h DECIMAL(38,18),
	price_change_percent_24h DECIMAL(38,18),
	count_24h BIGINT,
	timestamp BIGINT NOT NULL,
	raw_data VARCHAR,
	updated_at TIMESTAMPTZ NOT NULL
)`, exchange),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_perpetual_data (
	symbol VARCHAR PRIMARY KEY,
	base_asset VARCHAR NOT NULL,
	quote_asset VARCHAR NOT NULL,
	last_price DECIMAL(38,18),
	bid_price DECIMAL(38,18),
	ask_price DECIMAL(38,18),
	bid_size DECIMAL(38,18),
	ask_size DECIMAL(38,18),
	volume_24h DECIMAL(38,18),
	volume_base_24h DECIMAL(38,18),
	volume_quote_24h DECIMAL(38,18),
	high_24h DECIMAL(38,18),
	low_24h DECIMAL(38,18),
	open_24h DECIMAL(38,18),
	close_24h DECIMAL(38,18),
	price_change_24h DECIMAL(38,18),
	price_change_percent_24h DECIMAL(38,18),
	count_24h BIGINT,
	mark_price DECIMAL(38,18),
	index_price DECIMAL(38,18),
	open_interest DECIMAL(38,18),
	open_interest_value DECIMAL(38,18),
	funding_rate DECIMAL(38,18),
	next_funding_time BIGINT,
	predicted_funding_rate DECIMAL(38,18),
	turnover_24h DECIMAL(38,18),
	timestamp BIGINT NOT NULL,
	raw_data VARCHAR,
	updated_at TIMESTAMPTZ NOT NULL
)`, exchange),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_orderbook_data (
	symbol VARCHAR NOT NULL,
	type VARCHAR NOT NULL,
	side VARCHAR NOT NULL,
	price DECIMAL(38,18) NOT NULL,
	amount DECIMAL(38,18) NOT NULL,
	total DECIMAL(38,18) NOT NULL,
	order_index INTEGER NOT NULL,
	timestamp BIGINT NOT NULL,
	raw_data VARCHAR,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, type, side, order_index)
)`, exchange),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_funding_rate_data (
	symbol VARCHAR NOT NULL,
	funding_rate DECIMAL(38,18) NOT NULL,
	funding_time BIGINT NOT NULL,
	mark_price DECIMAL(38,18),
	index_price DECIMAL(38,18),
	next_funding_time BIGINT,
	timestamp BIGINT NOT NULL,
	raw_data VARCHAR,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, funding_time)
)`, exchange),
	}
}

// UpsertTradingPairs writes pair metadata keyed by (symbol, type).
func (g *DuckDBGateway) UpsertTradingPairs(ctx context.Context, exchange string, rows []models.TradingPair) (int, error) {
	table, err := TableName(exchange, "tradingPairs")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	symbol, base_asset, quote_asset, type, is_active,
	precision_price, precision_amount,
	min_amount, max_amount, min_cost, max_cost, min_price, max_price,
	tick_size, step_size, contract_size, settlement_currency,
	is_linear, is_inverse, raw_data, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol, type) DO UPDATE SET
	base_asset = excluded.base_asset,
	quote_asset = excluded.quote_asset,
	is_active = excluded.is_active,
	precision_price = excluded.precision_price,
	precision_amount = excluded.precision_amount,
	min_amount = excluded.min_amount,
	max_amount = excluded.max_amount,
	min_cost = excluded.min_cost,
	max_cost = excluded.max_cost,
	min_price = excluded.min_price,
	max_price = excluded.max_price,
	tick_size = excluded.tick_size,
	step_size = excluded.step_size,
	contract_size = excluded.contract_size,
	settlement_currency = excluded.settlement_currency,
	is_linear = excluded.is_linear,
	is_inverse = excluded.is_inverse,
	raw_data = excluded.raw_data,
	updated_at = excluded.updated_at`, table)

	return g.writeBatch(ctx, table, query, len(rows), func(i int) []any {
		p := rows[i]
		return []any{
			p.Symbol, p.BaseAsset, p.QuoteAsset, string(p.Kind), p.IsActive,
			p.PricePrecision, p.AmountPrecision,
			p.MinAmount, p.MaxAmount, p.MinCost, p.MaxCost, p.MinPrice, p.MaxPrice,
			p.TickSize, p.StepSize, p.ContractSize, p.SettlementCurrency,
			p.IsLinear, p.IsInverse, string(p.RawData), time.Now().UTC(),
		}
	})
}

// UpsertSpotTickers overwrites spot ticker rows keyed by symbol.
func (g *DuckDBGateway) UpsertSpotTickers(ctx context.Context, exchange string, rows []models.SpotTicker) (int, error) {
	table, err := TableName(exchange, "spot")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	symbol, base_asset, quote_asset,
	last_price, bid_price, ask_price, bid_size, ask_size,
	volume_24h, volume_base_24h, volume_quote_24h,
	high_24h, low_24h, open_24h, close_24h,
	price_change_24h, price_change_percent_24h, count_24h,
	timestamp, raw_data, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol) DO UPDATE SET
	base_asset = excluded.base_asset,
	quote_asset = excluded.quote_asset,
	last_price = excluded.last_price,
	bid_price = excluded.bid_price,
	ask_price = excluded.ask_price,
	bid_size = excluded.bid_size,
	ask_size = excluded.ask_size,
	volume_24h = excluded.volume_24h,
	volume_base_24h = excluded.volume_base_24h,
	volume_quote_24h = excluded.volume_quote_24h,
	high_24h = excluded.high_24h,
	low_24h = excluded.low_24h,
	open_24h = excluded.open_24h,
	close_24h = excluded.close_24h,
	price_change_24h = excluded.price_change_24h,
	price_change_percent_24h = excluded.price_change_percent_24h,
	count_24h = excluded.count_24h,
	timestamp = excluded.timestamp,
	raw_data = excluded.raw_data,
	updated_at = excluded.updated_at`, table)

	return g.writeBatch(ctx, table, query, len(rows), func(i int) []any {
		t := rows[i]
		return []any{
			t.Symbol, t.BaseAsset, t.QuoteAsset,
			t.LastPrice, t.BidPrice, t.AskPrice, t.BidSize, t.AskSize,
			t.Volume24h, t.VolumeBase24h, t.VolumeQuote24h,
			t.High24h, t.Low24h, t.Open24h, t.Close24h,
			t.PriceChange24h, t.PriceChangePercent24h, t.Count24h,
			t.Timestamp, string(t.RawData), time.Now().UTC(),
		}
	})
}

// UpsertPerpetualTickers overwrites perpetual ticker rows keyed by symbol.
func (g *DuckDBGateway) UpsertPerpetualTickers(ctx context.Context, exchange string, rows []models.PerpetualTicker) (int, error) {
	table, err := TableName(exchange, "perpetual")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	symbol, base_asset, quote_asset,
	last_price, bid_price, ask_price, bid_size, ask_size,
	volume_24h, volume_base_24h, volume_quote_24h,
	high_24h, low_24h, open_24h, close_24h,
	price_change_24h, price_change_percent_24h, count_24h,
	mark_price, index_price, open_interest, open_interest_value,
	funding_rate, next_funding_time, predicted_funding_rate, turnover_24h,
	timestamp, raw_data, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol) DO UPDATE SET
	base_asset = excluded.base_asset,
	quote_asset = excluded.quote_asset,
	last_price = excluded.last_price,
	bid_price = excluded.bid_price,
	ask_price = excluded.ask_price,
	bid_size = excluded.bid_size,
	ask_size = excluded.ask_size,
	volume_24h = excluded.volume_24h,
	volume_base_24h = excluded.volume_base_24h,
	volume_quote_24h = excluded.volume_quote_24h,
	high_24h = excluded.high_24h,
	low_24h = excluded.low_24h,
	open_24h = excluded.open_24h,
	close_24h = excluded.close_24h,
	price_change_24h = excluded.price_change_24h,
	price_change_percent_24h = excluded.price_change_percent_24h,
	count_24h = excluded.count_24h,
	mark_price = excluded.mark_price,
	index_price = excluded.index_price,
	open_interest = excluded.open_interest,
	open_interest_value = excluded.open_interest_value,
	funding_rate = excluded.funding_rate,
	next_funding_time = excluded.next_funding_time,
	predicted_funding_rate = excluded.predicted_funding_rate,
	turnover_24h = excluded.turnover_24h,
	timestamp = excluded.timestamp,
	raw_data = excluded.raw_data,
	updated_at = excluded.updated_at`, table)

	return g.writeBatch(ctx, table, query, len(rows), func(i int) []any {
		t := rows[i]
		return []any{
			t.Symbol, t.BaseAsset, t.QuoteAsset,
			t.LastPrice, t.BidPrice, t.AskPrice, t.BidSize, t.AskSize,
			t.Volume24h, t.VolumeBase24h, t.VolumeQuote24h,
			t.High24h, t.Low24h, t.Open24h, t.Close24h,
			t.PriceChange24h, t.PriceChangePercent24h, t.Count24h,
			t.MarkPrice, t.IndexPrice, t.OpenInterest, t.OpenInterestValue,
			t.FundingRate, t.NextFundingTime, t.PredictedFundingRate, t.Turnover24h,
			t.Timestamp, string(t.RawData), time.Now().UTC(),
		}
	})
}

// ReplaceOrderBookLevels deletes the stored levels of each (symbol, type)
// present in rows, then inserts the new snapshot, all in one transaction.
func (g *DuckDBGateway) ReplaceOrderBookLevels(ctx context.Context, exchange string, rows []models.OrderBookLevel) (int, error) {
	table, err := TableName(exchange, "orderbook")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewPersistenceError(table, "begin", err)
	}
	defer tx.Rollback()

	type key struct {
		symbol string
		kind   models.MarketKind
	}
	seen := make(map[key]bool)
	for _, row := range rows {
		k := key{row.Symbol, row.Kind}
		if seen[k] {
			continue
		}
		seen[k] = true
		del := fmt.Sprintf("DELETE FROM %s WHERE symbol = ? AND type = ?", table)
		if _, err := tx.ExecContext(ctx, del, k.symbol, string(k.kind)); err != nil {
			return 0, apperrors.NewPersistenceError(table, "delete", err)
		}
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (symbol, type, side, price, amount, total, order_index, timestamp, raw_data, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, apperrors.NewPersistenceError(table, "prepare", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.Symbol, string(row.Kind), string(row.Side),
			row.Price, row.Amount, row.Total, row.Rank,
			row.Timestamp, string(row.RawData), now)
		if err != nil {
			return 0, apperrors.NewPersistenceError(table, "insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewPersistenceError(table, "commit", err)
	}
	return len(rows), nil
}

// InsertFundingRates appends funding records keyed by (symbol, funding_time).
func (g *DuckDBGateway) InsertFundingRates(ctx context.Context, exchange string, rows []models.FundingRateRecord) (int, error) {
	table, err := TableName(exchange, "fundingRate")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (symbol, funding_rate, funding_time, mark_price, index_price, next_funding_time, timestamp, raw_data, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol, funding_time) DO UPDATE SET
	funding_rate = excluded.funding_rate,
	mark_price = excluded.mark_price,
	index_price = excluded.index_price,
	next_funding_time = excluded.next_funding_time,
	timestamp = excluded.timestamp,
	raw_data = excluded.raw_data,
	updated_at = excluded.updated_at`, table)

	return g.writeBatch(ctx, table, query, len(rows), func(i int) []any {
		r := rows[i]
		return []any{
			r.Symbol, r.FundingRate, r.FundingTime,
			r.MarkPrice, r.IndexPrice, r.NextFundingTime,
			r.Timestamp, string(r.RawData), time.Now().UTC(),
		}
	})
}

// writeBatch runs one prepared upsert per row inside a transaction.
func (g *DuckDBGateway) writeBatch(ctx context.Context, table, query string, n int, args func(i int) []any) (int, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewPersistenceError(table, "begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, apperrors.NewPersistenceError(table, "prepare", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return 0, apperrors.NewPersistenceError(table, "upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewPersistenceError(table, "commit", err)
	}
	return n, nil
}

var statusTimestampColumns = map[models.DataType]string{
	models.DataTradingPairs: "last_pairs_update",
	models.DataSpot:         "last_spot_update",
	models.DataPerpetual:    "last_perpetual_update",
	models.DataOrderBook:    "last_orderbook_update",
	models.DataFundingRate:  "last_funding_update",
}

// UpdateExchangeStatus applies a partial update to the status row. Failures
// are logged, never returned: a broken status write must not abort the run
// that produced it.
func (g *DuckDBGateway) UpdateExchangeStatus(ctx context.Context, exchange string, update models.StatusUpdate) {
	if !validExchanges[exchange] {
		g.logger.Warn("status update for unknown exchange dropped", "exchange", exchange)
		return
	}

	now := time.Now().UTC()

	// ensure the row exists before partial updates
	_, err := g.db.ExecContext(ctx, `
INSERT INTO exchange_status (exchange, status, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (exchange) DO NOTHING`, exchange, string(models.StateInactive), now)
	if err != nil {
		g.logger.Error("status row insert failed", "exchange", exchange, "error", err)
		return
	}

	set := "status = ?, updated_at = ?"
	args := []any{string(update.State), now}

	if col, ok := statusTimestampColumns[update.DataType]; ok && !update.At.IsZero() {
		set += fmt.Sprintf(", %s = ?", col)
		args = append(args, update.At.UTC())
	}
	if update.SpotPairCount != nil {
		set += ", active_spot_pairs = ?"
		args = append(args, *update.SpotPairCount)
	}
	if update.PerpetualPairCount != nil {
		set += ", active_perpetual_pairs = ?"
		args = append(args, *update.PerpetualPairCount)
	}
	if update.State == models.StateError {
		set += ", error_message = ?, last_error_time = ?"
		args = append(args, update.ErrorMessage, now)
	} else {
		set += ", error_message = NULL"
	}
	args = append(args, exchange)

	query := fmt.Sprintf("UPDATE exchange_status SET %s WHERE exchange = ?", set)
	if _, err := g.db.ExecContext(ctx, query, args...); err != nil {
		g.logger.Error("status update failed", "exchange", exchange, "error", err)
	}
}

// GetExchangeStatuses returns all status rows.
func (g *DuckDBGateway) GetExchangeStatuses(ctx context.Context) ([]models.ExchangeStatus, error) {
	rows, err := g.db.QueryContext(ctx, `
SELECT exchange, status,
	last_spot_update, last_perpetual_update, last_orderbook_update,
	last_funding_update, last_pairs_update,
	active_spot_pairs, active_perpetual_pairs,
	error_message, last_error_time, updated_at
FROM exchange_status ORDER BY exchange`)
	if err != nil {
		return nil, apperrors.NewPersistenceError("exchange_status", "select", err)
	}
	defer rows.Close()

	var out []models.ExchangeStatus
	for rows.Next() {
		var s models.ExchangeStatus
		var state string
		err := rows.Scan(&s.Exchange, &state,
			&s.LastSpotUpdate, &s.LastPerpetualUpdate, &s.LastOrderbookUpdate,
			&s.LastFundingUpdate, &s.LastPairsUpdate,
			&s.ActiveSpotPairs, &s.ActivePerpetualPairs,
			&s.ErrorMessage, &s.LastErrorTime, &s.UpdatedAt)
		if err != nil {
			return nil, apperrors.NewPersistenceError("exchange_status", "scan", err)
		}
		s.State = models.ExchangeState(state)
		out = append(out, s)
	}
	return out, rows.Err()
}

// TopSymbolsByVolume reads the highest quote-volume symbols from the ticker
// table matching kind.
func (g *DuckDBGateway) TopSymbolsByVolume(ctx context.Context, exchange string, kind models.MarketKind, limit int) ([]string, error) {
	dataType := "spot"
	if kind == models.KindPerpetual {
		dataType = "perpetual"
	}
	table, err := TableName(exchange, dataType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
SELECT symbol FROM %s
ORDER BY volume_quote_24h DESC NULLS LAST
LIMIT ?`, table)

	rows, err := g.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperrors.NewPersistenceError(table, "select", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, apperrors.NewPersistenceError(table, "scan", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}
