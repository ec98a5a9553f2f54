// Package main запускает HTTP-сервер сервиса парковки.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/bpark-system/internal/config"
	"github.com/mmeshcher/bpark-system/internal/engine"
	"github.com/mmeshcher/bpark-system/internal/handler"
	"github.com/mmeshcher/bpark-system/internal/model"
	"github.com/mmeshcher/bpark-system/internal/monitor"
	"github.com/mmeshcher/bpark-system/internal/notify"
	"github.com/mmeshcher/bpark-system/internal/spots"
	"github.com/mmeshcher/bpark-system/internal/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		sessionStore engine.SessionStore
		userStore    engine.UserStore
		spotStore    spots.Store
		sweepStore   monitor.Store
		closeStore   func() error
	)

	if cfg.DatabaseURI != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURI, cfg.PoolSize, cfg.PoolAcquireTimeout, logger)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		sessionStore, userStore, spotStore, sweepStore = pg, pg, pg, pg
		closeStore = pg.Close
	} else {
		// Режим без БД: хранилище в памяти с демонстрационным абонентом.
		mem := storage.NewMemory()
		mem.AddUser(model.User{
			Username:  "demo",
			Name:      "Demo User",
			Email:     "demo@bpark.local",
			CarNumber: "000-00-000",
		})
		sessionStore, userStore, spotStore, sweepStore = mem, mem, mem, mem
		closeStore = func() error { return nil }
		sugar.Info("running with in-memory storage")
	}
	defer closeStore()

	allocator := spots.NewAllocator(spotStore, cfg.TotalSpots, logger)
	if err := allocator.Initialize(ctx); err != nil {
		sugar.Fatalw("spot initialization error", "error", err.Error())
	}

	notifier := notify.NewClient(cfg.NotifierAddress, logger)

	eng := engine.NewEngine(sessionStore, userStore, allocator, notifier, engine.Settings{
		ReserveThreshold:  cfg.ReserveThreshold,
		MinAdvance:        cfg.MinAdvance,
		MaxAdvance:        cfg.MaxAdvance,
		DefaultDuration:   cfg.DefaultDuration,
		GracePeriod:       cfg.GracePeriod,
		MinExtensionHours: cfg.MinExtensionHours,
		MaxExtensionHours: cfg.MaxExtensionHours,
	}, logger)

	mon := monitor.New(sweepStore, notifier, cfg.SweepInterval, cfg.GracePeriod, logger)

	h := handler.NewHandler(eng, logger)
	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового монитора жизненного цикла сессий
	g.Go(func() error {
		mon.Start()
		<-ctx.Done()
		mon.Stop()
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting parking server", "addr", cfg.RunAddress, "spots", cfg.TotalSpots)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
