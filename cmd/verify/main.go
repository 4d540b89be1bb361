// Command verify is a preflight check: it exercises credentials, clock sync
// and account access against the live venue without placing any orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"funding-sniper/internal/binance/rest"
	"funding-sniper/internal/clock"
	"funding-sniper/internal/config"
	"funding-sniper/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	apiKey := os.Getenv("BINANCE_API_KEY")
	apiSecret := os.Getenv("BINANCE_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		log.Error("BINANCE_API_KEY and BINANCE_API_SECRET are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := rest.New(cfg.REST.BaseURL, apiKey, apiSecret, cfg.REST.Timeout, cfg.REST.RequestsPerSec, log)

	sync := clock.New(client, cfg.Clock.SyncInterval, cfg.Clock.RTTWarning, log)
	client.SetTimeSource(sync.Now)
	if err := sync.Sync(ctx); err != nil {
		log.Error("server time fetch failed", zap.Error(err))
		os.Exit(1)
	}
	offset, _ := sync.Offset()
	log.Info("clock ok", zap.Duration("offset", offset))

	balance, err := client.AvailableBalance(ctx, "USDT")
	if err != nil {
		log.Error("balance check failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("account ok", zap.Float64("available_usdt", balance))

	positions, err := client.Positions(ctx)
	if err != nil {
		log.Error("position fetch failed", zap.Error(err))
		os.Exit(1)
	}
	for _, p := range positions {
		log.Warn("open position on account",
			zap.String("symbol", p.Symbol),
			zap.Float64("quantity", p.Quantity),
			zap.Float64("entry_price", p.EntryPrice),
		)
	}
	log.Info("verify complete", zap.Int("open_positions", len(positions)))
}
