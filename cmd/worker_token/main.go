package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"nexus-chat/internal/service"
)

// worker_token emite tokens para el worker de automatización (-kind worker)
// o para el chat público de un negocio (-kind chat). Con -revoke invalida un
// token existente; la revocación sólo es visible para el servicio si se
// guarda en Redis.
func main() {
	_ = godotenv.Load()

	kind := flag.String("kind", service.TokenTypeWorker, "tipo de token: worker | chat")
	subject := flag.String("subject", "", "nombre del worker o id del negocio")
	ttl := flag.Duration("ttl", 0, "vigencia del token (0 usa el default)")
	revoke := flag.String("revoke", "", "token a revocar")
	flag.Parse()

	secretEnv := "WORKER_JWT_SECRET"
	if *kind == service.TokenTypeChat {
		secretEnv = "CHAT_JWT_SECRET"
	}
	secret := os.Getenv(secretEnv)
	if secret == "" {
		log.Fatalf("%s no configurado", secretEnv)
	}

	var store service.TokenRevocationStore
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("warning: redis ping failed: %v", err)
		} else {
			store = service.NewRedisRevocationStore(client)
		}
		cancel()
	}
	tokens := service.NewTokenServiceWithStore(secret, *ttl, store)

	if *revoke != "" {
		if store == nil {
			log.Fatal("revocar requiere REDIS_ADDR")
		}
		if err := tokens.Revoke(*revoke); err != nil {
			log.Fatalf("revocar token: %v", err)
		}
		fmt.Println("token revocado")
		return
	}

	var (
		token string
		err   error
	)
	switch *kind {
	case service.TokenTypeWorker:
		token, err = tokens.IssueWorkerToken(*subject)
	case service.TokenTypeChat:
		token, err = tokens.IssueChatToken(*subject)
	default:
		log.Fatalf("tipo de token desconocido: %s", *kind)
	}
	if err != nil {
		log.Fatalf("emitir token: %v", err)
	}
	fmt.Println(token)
}
