// Command folio runs the portfolio rebalancing engine against a crypto
// exchange. It serves a JSON API for triggering rebalances, inspecting
// allocations and updating targets, and converges holdings toward the
// configured target percentages with market orders and stablecoin
// conversions.
//
// Usage:
//
//	folio setup            (interactive configuration wizard)
//	folio --config config.yaml
//	folio --config config.yaml -rebalance   (one-shot rebalance, prints result)
//	folio (uses CLI arguments)
//
// Required environment variables:
//
//	For Coinbase: COINBASE_API_KEY, COINBASE_API_SECRET, COINBASE_API_PASSPHRASE
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ebalder/folio/config"
	"github.com/ebalder/folio/internal/domain"
	"github.com/ebalder/folio/internal/exchange"
	"github.com/ebalder/folio/internal/services/allocation"
	"github.com/ebalder/folio/internal/services/converter"
	"github.com/ebalder/folio/internal/services/oracle"
	"github.com/ebalder/folio/internal/services/planner"
	"github.com/ebalder/folio/internal/services/rebalancer"
	"github.com/ebalder/folio/internal/services/router"
	"github.com/ebalder/folio/internal/services/snapshot"
	"github.com/ebalder/folio/internal/setup"
	"github.com/ebalder/folio/internal/storage/accounts"
	"github.com/ebalder/folio/internal/storage/allocations"
	"github.com/ebalder/folio/internal/web"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		return
	}

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	session, venue := buildVenue(cfg, logger)

	accountStore, err := accounts.NewStore(cfg.DataDir + "/accounts")
	if err != nil {
		logger.Fatal("failed to open account store", zap.Error(err))
	}
	defer accountStore.Close()

	targetStore, err := allocations.NewTargetStore(cfg.DataDir + "/targets")
	if err != nil {
		logger.Fatal("failed to open target allocation store", zap.Error(err))
	}
	defer targetStore.Close()

	currentStore, err := allocations.NewCurrentStore(cfg.DataDir + "/current")
	if err != nil {
		logger.Fatal("failed to open current allocation store", zap.Error(err))
	}
	defer currentStore.Close()

	if set := cfg.TargetSet(); set != nil {
		if err := targetStore.Replace(cfg.Owner, set); err != nil {
			logger.Fatal("failed to seed target allocations", zap.Error(err))
		}
	}

	oracleClient := oracle.New(cfg.OracleURL, cfg.CallTimeout, logger)
	converterService := converter.New(oracleClient)
	snapshotBuilder := snapshot.NewBuilder(venue, converterService, accountStore, logger)
	allocationCalculator := allocation.NewCalculator(accountStore, currentStore)
	tickerRouter := router.New(venue)
	planBuilder := planner.NewBuilder(accountStore, targetStore, tickerRouter, converterService, cfg.TolerancePercent, logger)
	controller := rebalancer.New(snapshotBuilder, allocationCalculator, planBuilder, venue, cfg.MaxIterations, logger)

	server := web.NewServer(cfg.Listen, session, controller, allocationCalculator, targetStore, accountStore, venue, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Once {
		result, err := controller.Rebalance(ctx, session)
		if err != nil {
			logger.Fatal("rebalance failed", zap.Error(err))
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			logger.Fatal("failed to encode rebalance result", zap.Error(err))
		}
		fmt.Println(string(out))
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving http api",
			zap.String("addr", cfg.Listen),
			zap.String("venue", cfg.Venue),
			zap.String("owner", cfg.Owner))
		if len(cfg.TLSDomains) > 0 {
			return server.StartWithAutoTLS(ctx, cfg.TLSDomains, cfg.CertCacheDir)
		}
		return server.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(err.Error())
	}
}

func buildVenue(cfg config.Config, logger *zap.Logger) (domain.Session, exchange.Exchange) {
	session := domain.Session{Owner: cfg.Owner}

	switch cfg.Venue {
	case "binance":
		apiKey := os.Getenv("BINANCE_API_KEY")
		apiSecret := os.Getenv("BINANCE_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			logger.Fatal("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
		return session, exchange.NewBinance(apiKey, apiSecret, logger)

	case "bybit":
		apiKey := os.Getenv("BYBIT_API_KEY")
		apiSecret := os.Getenv("BYBIT_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			logger.Fatal("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
		}
		return session, exchange.NewBybit(apiKey, apiSecret, logger)

	default: // config validation only admits coinbase past this point
		session.Credentials = domain.Credentials{
			Key:        os.Getenv("COINBASE_API_KEY"),
			Secret:     os.Getenv("COINBASE_API_SECRET"),
			Passphrase: os.Getenv("COINBASE_API_PASSPHRASE"),
		}
		if session.Credentials.Key == "" || session.Credentials.Secret == "" {
			logger.Fatal("COINBASE_API_KEY, COINBASE_API_SECRET and COINBASE_API_PASSPHRASE environment variables must be set")
		}
		return session, exchange.NewCoinbase(cfg.ExchangeURL, cfg.CallTimeout, logger)
	}
}
