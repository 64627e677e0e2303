package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"taskchat/internal/api"
	"taskchat/internal/auth"
	"taskchat/internal/config"
	"taskchat/internal/gate"
	"taskchat/internal/redis"
	"taskchat/internal/service/account"
	"taskchat/internal/service/agent"
	"taskchat/internal/service/conversation"
	"taskchat/internal/service/task"
	"taskchat/internal/storage"
)

func main() {
	configPath := os.Getenv("TASKCHAT_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("TASKCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var (
		locker  gate.Locker
		limiter gate.RateLimiter
	)
	redisClient, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable (%v); falling back to in-process lock and rate limit", err)
		locker = gate.NewLocalLocker()
		limiter = gate.NewSlidingWindowLimiter(cfg.BasicConfig.RateLimitPerMinute)
	} else {
		defer redisClient.Close()
		locker = gate.NewRedisLocker(redisClient)
		limiter = gate.NewRedisRateLimiter(redisClient, cfg.BasicConfig.RateLimitPerMinute)
	}

	ctx := context.Background()
	provider := os.Getenv("TASKCHAT_PROVIDER")
	if provider == "" {
		provider = "openai"
	}
	gateway, err := agent.NewGateway(ctx, provider, os.Getenv("TASKCHAT_MODEL"), cfg)
	if err != nil {
		log.Fatalf("init model gateway: %v", err)
	}

	tasks := task.NewStore(db)
	conversations := conversation.NewStore(db)
	accounts := account.NewService(db)
	authService := auth.NewService(db, 24*time.Hour)

	registry := agent.NewRegistry()
	if err := agent.RegisterTaskTools(registry, tasks); err != nil {
		log.Fatalf("register tools: %v", err)
	}

	orchestrator := agent.NewOrchestrator(gateway, registry, conversations,
		cfg.BasicConfig.HistoryLimit, cfg.BasicConfig.MaxIterations)
	requestGate := gate.New(conversations, locker, limiter,
		time.Duration(cfg.BasicConfig.LockTTLSeconds)*time.Second)

	router := gin.Default()
	handler := api.NewHandler(accounts, authService, tasks, conversations, requestGate, orchestrator)
	handler.RegisterRoutes(router)

	log.Printf("listening on %s (db=%s, provider=%s)", cfg.BasicConfig.ServerAddress, dbType, provider)
	if err := router.Run(cfg.BasicConfig.ServerAddress); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
