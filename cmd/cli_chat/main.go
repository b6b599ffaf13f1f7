package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"nexus-chat/internal/chatclient"
	"nexus-chat/internal/config"
	"nexus-chat/internal/domain"
)

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := zap.NewNop()
	if os.Getenv("CHAT_DEBUG") != "" {
		logger = zap.NewExample()
	}
	defer logger.Sync()

	api := chatclient.NewAPIClient(cfg.APIBaseURL, cfg.AccessToken, cfg.SendTimeout)
	subscriber := chatclient.NewWSSubscriber(cfg.APIBaseURL, cfg.AccessToken)
	out := &transcriptPrinter{}

	coord := chatclient.New(api, api, subscriber, chatclient.Options{
		PollInterval: cfg.PollInterval,
		PollAttempts: cfg.PollAttempts,
		SendTimeout:  cfg.SendTimeout,
		AccessToken:  cfg.AccessToken,
		Logger:       logger,
		OnUpdate:     out.render,
	})
	if err := coord.Open(ctx); err != nil {
		log.Fatal(err)
	}
	defer coord.Close()

	fmt.Println("---- Chat (escribe 'salir' para terminar, '/reset' para una nueva conversación) ----")
	fmt.Printf("Sesión: %s\n", coord.SessionID())

	for {
		fmt.Print("Tu > ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "salir", "exit":
			fmt.Println("Saliendo del chat...")
			return
		case "/reset":
			id := coord.Reset()
			fmt.Printf("Nueva sesión: %s\n", id)
			continue
		}

		err = coord.Submit(ctx, line)
		switch {
		case err == nil:
		case errors.Is(err, chatclient.ErrRequestInFlight):
			fmt.Println("Espera la respuesta anterior.")
			continue
		case errors.Is(err, chatclient.ErrSubmitFailed):
			// el error ya quedó en el historial
			continue
		default:
			fmt.Printf("Error en chat: %v\n", err)
			continue
		}
		if err := coord.WaitIdle(ctx); err != nil {
			fmt.Printf("Error esperando respuesta: %v\n", err)
		}
	}
}

// transcriptPrinter imprime sólo las entradas nuevas del historial.
type transcriptPrinter struct {
	mu      sync.Mutex
	printed int
}

func (p *transcriptPrinter) render(transcript []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(transcript) < p.printed {
		p.printed = 0
	}
	for _, msg := range transcript[p.printed:] {
		switch msg.Role {
		case domain.RoleAssistant:
			fmt.Printf("Asistente > %s\n", msg.Content)
		case domain.RoleError:
			fmt.Printf("[error] %s\n", msg.Content)
		}
	}
	p.printed = len(transcript)
}
