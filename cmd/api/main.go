package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"valorswap/auth"
	"valorswap/config"
	"valorswap/db"
	"valorswap/delivery"
	"valorswap/deposit"
	"valorswap/dispute"
	"valorswap/fees"
	"valorswap/httpapi"
	"valorswap/ledger"
	"valorswap/listing"
	"valorswap/negotiation"
	"valorswap/notify"
	"valorswap/swap"
	"valorswap/sweep"
	"valorswap/window"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	feeSchedule := fees.DefaultSchedule()
	rateTable := deposit.DefaultRateTable()
	windowCfg := window.DefaultConfig()

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, cfg.JWTSecret)

	listingRepo := listing.NewRepository(pool)
	swapRepo := swap.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)

	swapService := swap.NewService(pool, swapRepo, ledgerRepo, listingRepo, authService, feeSchedule, rateTable)
	negotiator := negotiation.NewService(pool, swapRepo, rateTable)
	deliveryService := delivery.NewService(pool, swapRepo, authService, windowCfg)
	disputeService := dispute.NewService(pool, disputeRepo, swapRepo, swapService)

	var notifier notify.Notifier
	if cfg.RedisAddr != "" {
		redisNotifier := notify.NewRedisNotifier(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisNotifier.Close()
		notifier = redisNotifier
	} else {
		logger.Warn("REDIS_ADDR not set, outbox messages will be logged only")
		notifier = notify.NewLogNotifier(logger)
	}
	relay := notify.NewRelay(pool, notifier, logger)

	sweeper := sweep.New(swapRepo, swapService, disputeService, logger, cfg.SweepInterval)

	server := httpapi.NewServer(
		authService, swapService, swapRepo, negotiator, deliveryService,
		disputeService, windowCfg, logger,
	)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
