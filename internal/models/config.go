package models

import "time"

// Config represents the application configuration
type Config struct {
	Store    StoreConfig
	Server   ServerConfig
	Provider ProviderConfig
	Quote    QuoteConfig
	Ledger   LedgerConfig
}

// StoreConfig holds state store connection settings
type StoreConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string
	AdminToken string
}

// ProviderConfig holds custody provider settings
type ProviderConfig struct {
	Name          string
	WebhookSecret string
	AssetsFile    string
}

// QuoteConfig holds price-lock settings
type QuoteConfig struct {
	TTL time.Duration
}

// LedgerConfig selects and configures the capital ledger backend
type LedgerConfig struct {
	Backend  string // "store" or "formance"
	Formance FormanceConfig
}

// FormanceConfig holds Formance Stack connection settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}
