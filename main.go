package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-gonic/gin"

	"eduassist/internal/api"
	"eduassist/internal/auth"
	"eduassist/internal/chat"
	"eduassist/internal/config"
	"eduassist/internal/conversation"
	"eduassist/internal/quota"
	"eduassist/internal/rag"
	"eduassist/internal/redis"
	"eduassist/internal/storage"
	"eduassist/internal/telegram"
	"eduassist/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("EDUASSIST_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var cache *redis.Client
	if cfg.Redis.Host != "" {
		cache, err = redis.NewClient(cfg.Redis)
		if err != nil {
			log.Printf("redis unavailable, history caching disabled: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	ledger := quota.NewLedger(db, cfg.Quota.MonthlyTokenLimit)
	store := conversation.NewStore(db, cache)
	delegate := rag.NewClient(cfg.Flowise)
	authService := auth.NewService(db, 0)

	titles := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:  cfg.Worker.MinWorkers,
		MaxWorkers:  cfg.Worker.MaxWorkers,
		QueueSize:   cfg.Worker.QueueSize,
		IdleTimeout: cfg.Worker.IdleTimeout,
	})

	flow := telegram.NewFlow(db, nil)
	orchestrator := chat.NewOrchestrator(store, ledger, delegate, flow, titles)

	var bot *telegram.Bot
	if cfg.Telegram.BotToken != "" {
		bot = telegram.NewBot(cfg.Telegram, flow, orchestrator, store, ledger, cfg.Flowise.Apology)
		if cfg.Telegram.Enabled {
			go func() {
				if err := bot.Run(context.Background()); err != nil && err != context.Canceled {
					log.Printf("telegram bot stopped: %v", err)
				}
			}()
		}
	}

	handlers := api.NewHandler(orchestrator, store, ledger, authService, bot, cfg.Server.AdminToken)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8090"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
