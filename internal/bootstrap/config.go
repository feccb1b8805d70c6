package bootstrap

import (
	"fmt"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/exchange/binance"
	"trade_engine/internal/exchange/paper"
)

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *config.Config) error {
	if cfg.Engine.Paper {
		return nil
	}
	_, err := config.LoadCredentials()
	return err
}

// NewGateway selects the exchange boundary. Paper mode streams public market
// data and fills orders in memory; live mode trades with the environment's keys.
func NewGateway(cfg *config.Config, logger core.ILogger) (core.IGateway, error) {
	if cfg.Engine.Paper {
		market := binance.New(cfg.Exchange, config.Credentials{}, logger)
		return paper.New(market, logger), nil
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	return binance.New(cfg.Exchange, creds, logger), nil
}
