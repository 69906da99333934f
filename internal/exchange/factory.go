package exchange

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tenthmarket/go-market-collector/internal/config"
	"github.com/tenthmarket/go-market-collector/internal/connector"
	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/retry"
	"github.com/tenthmarket/go-market-collector/internal/storage"
)

// Public endpoints tolerate a moderate request rate; depth collection fans
// out per symbol so the limiter matters most there.
const defaultRequestsPerSecond = 10

// Build constructs one adapter per enabled exchange, in the configured
// priority order. Each adapter gets its own retry executor so failure
// counting stays per exchange.
func Build(cfg *config.AppConfig, gateway storage.Gateway, logger *slog.Logger) ([]*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := Options{
		QuoteCurrency:       cfg.Collection.QuoteCurrency,
		OrderBookDepth:      cfg.OrderBook.Depth,
		OrderBookMaxSymbols: cfg.OrderBook.MaxSymbols,
	}

	var adapters []*Adapter
	for _, name := range cfg.EnabledExchanges() {
		settings := cfg.Exchanges[name]

		timeout, err := time.ParseDuration(settings.Timeout)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w",
				name, apperrors.NewInvalidArgument("timeout", settings.Timeout, "not a valid duration"))
		}

		clientOpts := connector.ClientOptions{
			Timeout:           timeout,
			ProxyURL:          cfg.ProxyURL,
			RequestsPerSecond: defaultRequestsPerSecond,
			Logger:            logger,
		}

		conn, err := newConnector(name, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w", name, err)
		}

		retrier := retry.New(cfg.Retry.MaxAttempts, cfg.RetryBaseDelay(), logger.With("exchange", name))
		adapters = append(adapters, New(conn, gateway, retrier, opts, logger))
	}
	return adapters, nil
}

func newConnector(name string, opts connector.ClientOptions) (connector.Connector, error) {
	switch name {
	case "okx":
		return connector.NewOKX(opts, "")
	case "binance":
		return connector.NewBinance(opts, "", "")
	case "bybit":
		return connector.NewBybit(opts, "")
	}
	return nil, apperrors.NewInvalidArgument("exchange", name, "no connector available")
}
