// Package main запускает HTTP-сервер API калькулятора макронутриентов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/macro-funnel/internal/config"
	"github.com/mmeshcher/macro-funnel/internal/handler"
	"github.com/mmeshcher/macro-funnel/internal/llm"
	"github.com/mmeshcher/macro-funnel/internal/ratelimit"
	"github.com/mmeshcher/macro-funnel/internal/repository"
	"github.com/mmeshcher/macro-funnel/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		sugar.Warnw("failed to load .env file", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	limiter, closeLimiter, err := newLimiter(cfg.RedisURL, logger)
	if err != nil {
		sugar.Fatalw("rate limiter initialization error", "error", err.Error())
	}
	defer closeLimiter()

	var generator service.Generator
	if cfg.LLMEnabled() {
		var opts []llm.Option
		if cfg.LLMModel != "" {
			opts = append(opts, llm.WithModel(cfg.LLMModel))
		}
		generator = llm.NewClient(cfg.LLMAPIURL, cfg.LLMAPIKey, opts...)
	} else {
		sugar.Info("LLM is not configured, reports will use the fallback template")
	}

	svc := service.NewService(repo, generator, logger, service.Options{
		CheckoutBaseURL: cfg.CheckoutBaseURL,
		ReportTTL:       cfg.ReportTTL,
		WorkerInterval:  cfg.ReportWorkerInterval,
	})
	defer svc.Close()

	h := handler.NewHandler(svc, limiter, logger, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая генерация отчётов из очереди
	g.Go(func() error {
		return svc.RunReportWorker(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting calculator API", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// newLimiter выбирает хранилище счётчиков: Redis, если задан адрес, иначе память процесса.
func newLimiter(redisURL string, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	policy := ratelimit.DefaultPolicy()

	if redisURL == "" {
		logger.Info("REDIS_URL is empty, using in-memory rate limiter")
		return ratelimit.NewMemoryLimiter(policy), func() {}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis is unreachable, limiter will fail open until it recovers", zap.Error(err))
	}

	return ratelimit.NewRedisLimiter(client, policy), func() { _ = client.Close() }, nil
}
