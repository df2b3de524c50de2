package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR"`
	LogLevel string `env:"LOG_LEVEL"`

	EthRPCURL        string        `env:"ETH_RPC_URL,required,notEmpty"`
	ChainCallTimeout time.Duration `env:"CHAIN_CALL_TIMEOUT"`
	ChainReadRetries int           `env:"CHAIN_READ_RETRIES"`
	ChainRetryBase   time.Duration `env:"CHAIN_RETRY_BACKOFF"`

	LedgerDriver string `env:"LEDGER_DRIVER"`
	PostgresURL  string `env:"POSTGRES_URL"`

	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	RequiredConfirmations int           `env:"REQUIRED_CONFIRMATIONS"`
	ConfirmationDeadline  time.Duration `env:"CONFIRMATION_DEADLINE"`
	PollInterval          time.Duration `env:"POLL_INTERVAL"`
	ClientWait            time.Duration `env:"CLIENT_WAIT"`
	SessionRetention      time.Duration `env:"SESSION_RETENTION"`

	PriceFeedURL  string        `env:"PRICE_FEED_URL"`
	PriceRPS      float64       `env:"PRICE_RPS"`
	PriceCacheTTL time.Duration `env:"PRICE_CACHE_TTL"`
	RedisURL      string        `env:"REDIS_URL"`

	TelegramToken       string `env:"TELEGRAM_TOKEN"`
	TelegramAlertChatID int64  `env:"TELEGRAM_ALERT_CHAT_ID"`
	NotifyBuffer        int    `env:"NOTIFY_BUFFER"`
}

func LoadConfig() (Config, error) {
	err := godotenv.Load()
	if err != nil {
		fmt.Println("Warning: .env file not found, relying on environment variables")
	}

	config := Config{
		HTTPAddr: ":8080",
		LogLevel: "info",

		ChainCallTimeout: 10 * time.Second,
		ChainReadRetries: 3,
		ChainRetryBase:   time.Second,

		LedgerDriver: "postgres",

		RequiredConfirmations: 8,
		ConfirmationDeadline:  300 * time.Second,
		PollInterval:          15 * time.Second,
		ClientWait:            25 * time.Second,
		SessionRetention:      10 * time.Minute,

		PriceFeedURL:  "https://api.coingecko.com/api/v3",
		PriceRPS:      1,
		PriceCacheTTL: 10 * time.Second,

		NotifyBuffer: 256,
	}

	if err := env.Parse(&config); err != nil {
		return Config{}, err
	}

	if err := config.validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) validate() error {
	switch c.LedgerDriver {
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required for LEDGER_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q (postgres|memory)", c.LedgerDriver)
	}

	if c.RequiredConfirmations <= 0 {
		return fmt.Errorf("REQUIRED_CONFIRMATIONS must be positive")
	}
	if c.PollInterval <= 0 || c.ConfirmationDeadline < c.PollInterval {
		return fmt.Errorf("CONFIRMATION_DEADLINE must be at least POLL_INTERVAL")
	}
	if c.TelegramToken != "" && c.TelegramAlertChatID == 0 {
		return fmt.Errorf("TELEGRAM_ALERT_CHAT_ID is required when TELEGRAM_TOKEN is set")
	}
	return nil
}
