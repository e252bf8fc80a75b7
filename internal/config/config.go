package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"bullion-custody-go/internal/models"
)

func Load() (*models.Config, error) {
	connMaxLifetime, err := getEnvDuration("STORE_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("STORE_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("STORE_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	quoteTTL, err := getEnvDuration("QUOTE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return &models.Config{
		Store: models.StoreConfig{
			Path:            getEnvString("STORE_PATH", "custody.db"),
			MaxOpenConns:    getEnvInt("STORE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("STORE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
		},
		Server: models.ServerConfig{
			ListenAddr: getEnvString("LISTEN_ADDR", ":8080"),
			AdminToken: os.Getenv("ADMIN_TOKEN"),
		},
		Provider: models.ProviderConfig{
			Name:          getEnvString("CUSTODY_PROVIDER", "mock"),
			WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
			AssetsFile:    getEnvString("ASSETS_FILE", "assets.yaml"),
		},
		Quote: models.QuoteConfig{
			TTL: quoteTTL,
		},
		Ledger: models.LedgerConfig{
			Backend: getEnvString("LEDGER_BACKEND", "store"),
			Formance: models.FormanceConfig{
				StackURL:     os.Getenv("FORMANCE_STACK_URL"),
				ClientID:     os.Getenv("FORMANCE_CLIENT_ID"),
				ClientSecret: os.Getenv("FORMANCE_CLIENT_SECRET"),
				LedgerName:   getEnvString("FORMANCE_LEDGER_NAME", "bullion-custody"),
			},
		},
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
