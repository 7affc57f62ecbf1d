// velora is the off-chain trading core: order entry and matching, a
// collateral ledger, batched settlement against the external settlement
// network, and reconciliation of its asynchronous events.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/velora-exchange/velora/api"
	"github.com/velora-exchange/velora/internal/config"
	"github.com/velora-exchange/velora/internal/engine"
	"github.com/velora-exchange/velora/internal/ledger"
	"github.com/velora-exchange/velora/internal/positions"
	"github.com/velora-exchange/velora/internal/repository"
	"github.com/velora-exchange/velora/internal/settlement"
	"github.com/velora-exchange/velora/internal/ws"
	"github.com/velora-exchange/velora/pkg/logger"
	"github.com/velora-exchange/velora/pkg/models"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("velora exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	markets, err := buildMarkets(cfg.Markets)
	if err != nil {
		return err
	}
	if len(markets) == 0 {
		return fmt.Errorf("no markets configured")
	}

	repo, err := repository.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	led := ledger.New(log, repo)
	netClient := settlement.NewHTTPClient(cfg.Settlement.Endpoint, log)
	queue := settlement.NewQueue(log, netClient, repo, settlement.Config{
		BatchSize:    cfg.Settlement.BatchSize,
		BatchTimeout: cfg.Settlement.BatchTimeout,
		MaxRetries:   cfg.Settlement.MaxRetries,
		BaseDelay:    cfg.Settlement.BaseDelay,
	})
	hub := ws.NewHub(log, cfg.WS.ReplaySize, cfg.WS.SendBuffer)

	eng := engine.NewService(log, repo, led, queue, hub, markets, engine.Config{
		QueueDepth:     cfg.Engine.QueueDepth,
		ExpiryInterval: cfg.Engine.ExpiryInterval,
	})
	tracker := positions.NewTracker(log, eng, repo)
	reconciler, err := settlement.NewReconciler(log, netClient, repo, led, tracker, queue,
		cfg.Settlement.MaxResubmissions)
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	// replay the durable log before serving any traffic
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelRecover()
	if err := eng.Recover(recoverCtx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	saved, err := repo.LoadPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, p := range saved {
		tracker.Restore(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start()
	go queue.Run(ctx)
	go reconciler.Run(ctx, cfg.Settlement.SyncInterval)

	server := api.NewServer(log, eng, tracker, queue, reconciler, led, hub)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	eng.Stop()
	return nil
}

func buildMarkets(configs []config.MarketConfig) ([]models.Market, error) {
	out := make([]models.Market, 0, len(configs))
	for _, mc := range configs {
		tick, err := config.Decimal(mc.ID+".tick_size", mc.TickSize)
		if err != nil {
			return nil, err
		}
		lot, err := config.Decimal(mc.ID+".lot_size", mc.LotSize)
		if err != nil {
			return nil, err
		}
		minSize, err := config.Decimal(mc.ID+".min_order_size", mc.MinOrderSize)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Market{
			ID:               mc.ID,
			BaseAsset:        mc.BaseAsset,
			QuoteAsset:       mc.QuoteAsset,
			TickSize:         tick,
			LotSize:          lot,
			MinOrderSize:     minSize,
			MaxOrdersPerSide: mc.MaxOrdersPerSide,
		})
	}
	return out, nil
}
