package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/robosats-go/trading-core/config"
	"github.com/robosats-go/trading-core/internal/database"
	"github.com/robosats-go/trading-core/internal/exchange"
	"github.com/robosats-go/trading-core/internal/lnd"
	"github.com/robosats-go/trading-core/internal/trade"
	"github.com/robosats-go/trading-core/internal/trade/worker"
	"github.com/robosats-go/trading-core/pkg/cache"
	"github.com/robosats-go/trading-core/pkg/logger"
	streams "github.com/robosats-go/trading-core/pkg/queue"
)

var Cfg config.TradeConfig

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(filename))))
	configPath := config.Path(root).Join("config.toml")
	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("starting expiry-sweeper worker...")

	var redisCfg cache.Config
	if err := copier.Copy(&redisCfg, &Cfg.Redis); err != nil {
		return fmt.Errorf("failed to copy cache config: %w", err)
	}
	if err := cache.Init(redisCfg); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cache.Close()

	var dbCfg database.Config
	if err := copier.Copy(&dbCfg, &Cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database connection: %w", err)
	}
	defer db.Close()

	var lndCfg lnd.Config
	if err := copier.Copy(&lndCfg, &Cfg.LND); err != nil {
		return fmt.Errorf("failed to copy lnd config: %w", err)
	}
	lndClient, err := lnd.NewClient(lndCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to LND: %w", err)
	}
	defer lndClient.Close()

	prices, err := exchange.NewProvider(Cfg.Exchange.Provider, Cfg.Exchange.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize exchange provider: %w", err)
	}

	userRepo := database.NewUserRepository(db)
	orderRepo := database.NewOrderRepository(db)
	paymentRepo := database.NewLNPaymentRepository(db)
	store := trade.NewStore(orderRepo, paymentRepo, userRepo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	escrowUser, err := userRepo.GetByUsername(ctx, Cfg.Trading.EscrowUsername)
	if err != nil {
		return fmt.Errorf("failed to resolve escrow identity %q: %w", Cfg.Trading.EscrowUsername, err)
	}
	platform := trade.PlatformIdentity{UserID: escrowUser.ID}

	publisher := worker.NewStreamPublisher(streams.NewStreamQueue(cache.Client))

	orchestrator := trade.NewOrchestrator(
		store,
		trade.RedisOrderLocker{},
		lndClient,
		prices,
		platform,
		trade.NewConfig(Cfg),
		publisher,
	)

	interval := time.Duration(Cfg.Trading.ExpirySweepIntervalSeconds) * time.Second
	sweeper := worker.NewExpirySweeper(orchestrator, interval)

	go func() {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("expiry-sweeper stopped", zap.Error(err))
		}
	}()

	logger.Info("expiry-sweeper is running", zap.Duration("interval", interval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(1 * time.Second)
	logger.Info("expiry-sweeper shut down gracefully")

	return nil
}
