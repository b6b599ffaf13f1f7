package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	DBMaxConns        int           `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns        int           `env:"DB_MIN_CONNS" envDefault:"1"`
	DBMaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"30m"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DBConnectTimeout  time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"5s"`

	LLMAPIKey  string `env:"LLM_API_KEY"`
	LLMBaseURL string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel   string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMPrompt  string `env:"LLM_SYSTEM_PROMPT" envDefault:"Eres la secretaria virtual del negocio. Responde de forma breve y cordial."`

	AutomationWebhookURL string        `env:"AUTOMATION_WEBHOOK_URL"`
	AutomationTimeout    time.Duration `env:"AUTOMATION_TIMEOUT" envDefault:"15s"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	ResponseKeyPrefix string        `env:"RESPONSE_KEY_PREFIX" envDefault:"chat_response_"`
	BroadcastTimeout  time.Duration `env:"BROADCAST_TIMEOUT" envDefault:"3s"`
	ResponseRetention time.Duration `env:"RESPONSE_RETENTION" envDefault:"24h"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	PollRatePerSecond float64 `env:"POLL_RATE_PER_SECOND" envDefault:"2"`
	PollRateBurst     int     `env:"POLL_RATE_BURST" envDefault:"5"`

	WorkerJWTSecret  string        `env:"WORKER_JWT_SECRET"`
	ChatJWTSecret    string        `env:"CHAT_JWT_SECRET"`
	ChatTokenTTL     time.Duration `env:"CHAT_TOKEN_TTL" envDefault:"720h"`
	WSAllowedOrigins []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// ClientConfig agrupa la configuración del cliente de terminal.
type ClientConfig struct {
	APIBaseURL   string        `env:"CHAT_API_URL" envDefault:"http://localhost:8080"`
	AccessToken  string        `env:"CHAT_ACCESS_TOKEN"`
	PollInterval time.Duration `env:"CHAT_POLL_INTERVAL" envDefault:"2s"`
	PollAttempts int           `env:"CHAT_POLL_ATTEMPTS" envDefault:"60"`
	SendTimeout  time.Duration `env:"CHAT_SEND_TIMEOUT" envDefault:"20s"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClientConfig carga la configuración del cliente desde variables de entorno.
func LoadClientConfig() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
