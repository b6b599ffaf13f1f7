package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"nexus-chat/internal/chatclient"
	"nexus-chat/internal/service"
)

const (
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
	colorCyan  = "\033[36m"
	colorReset = "\033[0m"
)

type checkConfig struct {
	APIBaseURL      string        `env:"CHAT_API_URL" envDefault:"http://localhost:8080"`
	AccessToken     string        `env:"CHAT_ACCESS_TOKEN"`
	WorkerJWTSecret string        `env:"WORKER_JWT_SECRET"`
	ReplyDelay      time.Duration `env:"CHECK_REPLY_DELAY" envDefault:"300ms"`
}

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	var cfg checkConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal(err)
	}

	var workerToken string
	if cfg.WorkerJWTSecret != "" {
		token, err := service.NewTokenService(cfg.WorkerJWTSecret, time.Hour).IssueWorkerToken("delivery_check")
		if err != nil {
			log.Fatalf("issue worker token: %v", err)
		}
		workerToken = token
	}

	logger := zap.NewNop()
	api := chatclient.NewAPIClient(cfg.APIBaseURL, cfg.AccessToken, 10*time.Second)
	worker := newSimulatedWorker(cfg.APIBaseURL, workerToken, cfg.ReplyDelay)

	scenarios := defaultScenarios()
	failed := 0
	for _, sc := range scenarios {
		fmt.Printf("%s[Escenario]%s %s\n", colorCyan, colorReset, sc.Name)

		var subscriber chatclient.Subscriber
		if sc.Subscribe {
			subscriber = chatclient.NewWSSubscriber(cfg.APIBaseURL, cfg.AccessToken)
		}
		res, err := runScenario(ctx, sc, worker, api, subscriber, cfg.AccessToken, logger)
		if err != nil {
			failed++
			fmt.Printf("%sFALLO%s %v\n\n", colorRed, colorReset, err)
			continue
		}
		if problems := evaluate(sc, res); len(problems) > 0 {
			failed++
			for _, p := range problems {
				fmt.Printf("%sFALLO%s %s\n", colorRed, colorReset, p)
			}
			fmt.Println()
			continue
		}
		fmt.Printf("%sOK%s respuestas=%d tiempo=%s\n\n", colorGreen, colorReset, res.Replies, res.Elapsed.Round(time.Millisecond))
	}

	fmt.Println("==== Resultado ====")
	fmt.Printf("Escenarios: %d | Fallidos: %d\n", len(scenarios), failed)
	if failed > 0 {
		log.Fatal("delivery check failed")
	}
}
