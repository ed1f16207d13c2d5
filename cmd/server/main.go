package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clubops/backend/internal/cache"
	"clubops/backend/internal/config"
	"clubops/backend/internal/httpapi"
	"clubops/backend/internal/service"
	"clubops/backend/internal/store"
	"clubops/backend/internal/store/memory"
	pgstore "clubops/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	board := cache.BoardCache(cache.NoopBoardCache{})
	if cfg.RedisAddr != "" {
		redisBoard := cache.NewRedisBoardCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisBoard.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using noop board cache")
		} else {
			board = redisBoard
			closers = append(closers, redisBoard.Close)
			logger.Info("board cache: redis")
		}
	} else {
		logger.Info("board cache: noop")
	}

	svc := service.New(repo, board, logger, service.Options{
		SaleCommissionRate:      cfg.SaleCommissionRate,
		DefaultEntryFee:         cfg.DefaultEntryFee,
		DefaultConsumableCredit: cfg.DefaultConsumableCredit,
		BoardTTL:                time.Duration(cfg.BoardTTLSeconds) * time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("club backend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SaleCommissionRate.Sign() <= 0 {
		return fmt.Errorf("SALE_COMMISSION_RATE must be positive")
	}
	return nil
}
