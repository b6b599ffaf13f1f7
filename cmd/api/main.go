package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nexus-chat/internal/automation"
	"nexus-chat/internal/config"
	"nexus-chat/internal/db"
	apihttp "nexus-chat/internal/http"
	"nexus-chat/internal/llm"
	"nexus-chat/internal/realtime"
	"nexus-chat/internal/repository"
	"nexus-chat/internal/service"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("db schema", zap.Error(err))
	}

	var (
		bus          realtime.Bus = realtime.NewMemoryBus()
		revocations  service.TokenRevocationStore
		sendLimiter  service.RateLimiter
		redisClient  *redis.Client
		redisHealthy bool
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-process broadcast", zap.Error(err))
		} else {
			redisHealthy = true
			bus = realtime.NewRedisBus(redisClient, logger)
			revocations = service.NewRedisRevocationStore(redisClient)
			sendLimiter = service.NewRedisRateLimiter(redisClient, "chat:rl:send:", time.Minute, 20)
		}
		cancel()
	}
	if !redisHealthy {
		logger.Warn("broadcast limited to this instance")
	}
	defer bus.Close()

	responseRepo := repository.NewPgResponseRepository(pool)
	deliverySvc := service.NewDeliveryService(logger, responseRepo, bus, service.DeliveryOptions{
		KeyPrefix:        cfg.ResponseKeyPrefix,
		BroadcastTimeout: cfg.BroadcastTimeout,
	})

	var forwarder automation.Forwarder
	if webhook := automation.NewWebhookClient(cfg.AutomationWebhookURL, cfg.AutomationTimeout, logger); webhook != nil {
		forwarder = webhook
	}
	var llmClient llm.LLMClient
	if cfg.LLMAPIKey != "" {
		llmClient = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMPrompt, zap.NewStdLog(logger))
	}
	if forwarder == nil && llmClient == nil {
		logger.Warn("no automation webhook or llm configured, /api/chat/send disabled")
	}
	automationSvc := service.NewAutomationService(logger, forwarder, llmClient, deliverySvc)

	routerOpts := apihttp.RouterOptions{
		HealthCheck: func(ctx context.Context) error { return db.Ping(ctx, pool) },
	}
	if cfg.WorkerJWTSecret != "" {
		workerTokens := service.NewTokenServiceWithStore(cfg.WorkerJWTSecret, 0, revocations)
		routerOpts.WorkerAuth = workerTokens.ParseWorkerToken
	} else {
		logger.Warn("worker jwt secret not configured, publish endpoint is open")
	}
	if cfg.ChatJWTSecret != "" {
		chatTokens := service.NewTokenServiceWithStore(cfg.ChatJWTSecret, cfg.ChatTokenTTL, revocations)
		routerOpts.ChatAuth = chatTokens.ParseChatToken
	}

	pollLimiter := service.NewMemoryRateLimiter(cfg.PollRatePerSecond, cfg.PollRateBurst)
	go pollLimiter.RunPruner(ctx, 5*time.Minute)
	routerOpts.PollLimiter = pollLimiter
	if sendLimiter == nil {
		memSend := service.NewMemoryRateLimiter(1, 5)
		go memSend.RunPruner(ctx, 5*time.Minute)
		sendLimiter = memSend
	}

	sweeper := service.NewRetentionSweeper(logger, deliverySvc, cfg.ResponseRetention, cfg.SweepInterval)
	go sweeper.Run(ctx)

	chatHandler := apihttp.NewChatHandler(logger, deliverySvc, automationSvc, sendLimiter)
	realtimeHandler := apihttp.NewRealtimeHandler(logger, bus, cfg.WSAllowedOrigins)
	router := apihttp.NewRouter(logger, chatHandler, realtimeHandler, routerOpts)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	automationSvc.Wait()
	deliverySvc.Wait()
	logger.Info("server stopped")
}
