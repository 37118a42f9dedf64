package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/RomaniumSSS/lead-bot/internal/bot"
	"github.com/RomaniumSSS/lead-bot/internal/ledger"
	"github.com/RomaniumSSS/lead-bot/internal/llm"
	"github.com/RomaniumSSS/lead-bot/internal/metrics"
	"github.com/RomaniumSSS/lead-bot/internal/scheduler"
	"github.com/RomaniumSSS/lead-bot/internal/storage"
	"github.com/RomaniumSSS/lead-bot/pkg/config"
)

// Send markers must outlive the slowest tier.
const guardTTL = 14 * 24 * time.Hour

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}
		store, err = storage.NewPostgresStorage(dbConfig)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Usage ledger with the configured pricing table
	pricing := ledger.Pricing{
		Models:       make(map[string]ledger.ModelRates, len(cfg.Pricing.Models)),
		DefaultModel: cfg.Pricing.DefaultModel,
	}
	for model, rates := range cfg.Pricing.Models {
		pricing.Models[model] = ledger.ModelRates{
			InputCentsPerMillion:      rates.InputCentsPerMillion,
			OutputCentsPerMillion:     rates.OutputCentsPerMillion,
			CacheWriteCentsPerMillion: rates.CacheWriteCentsPerMillion,
			CacheReadCentsPerMillion:  rates.CacheReadCentsPerMillion,
		}
	}
	usageLedger := ledger.New(store, pricing, logger)

	// LLM generator
	generator := llm.NewOpenAIGenerator(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		cfg.Business.Name,
		cfg.Business.Description,
		logger,
	)

	// Telegram bot
	b, err := bot.New(
		cfg.Telegram.Token,
		store,
		generator,
		usageLedger,
		cfg.Telegram.OwnerChatID,
		cfg.OpenAI.Timeout,
		cfg.Business.Materials,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Idempotency guard: only with Redis configured; without it the
	// scheduler keeps its documented at-least-once behavior.
	var guard scheduler.SendGuard = scheduler.NoopGuard{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		guard = scheduler.NewRedisGuard(rdb, guardTTL)
		logger.Info("Using Redis send guard", zap.String("addr", cfg.Redis.Addr))
	}

	// Follow-up scheduler
	sched, err := scheduler.New(
		store,
		generator,
		b,
		usageLedger,
		guard,
		scheduler.Config{
			Interval:    cfg.Scheduler.Interval,
			Thresholds:  cfg.Scheduler.Thresholds,
			LLMTimeout:  cfg.OpenAI.Timeout,
			SendTimeout: cfg.Scheduler.SendTimeout,
			MarkLost:    cfg.Scheduler.MarkLost,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}

	if err := sched.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Metrics and health endpoint
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.ListenAddr); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	// Start the bot
	go func() {
		if err := b.Start(); err != nil {
			logger.Fatal("Bot error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	sched.Stop()
}
