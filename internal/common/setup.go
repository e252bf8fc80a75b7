package common

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"bullion-custody-go/internal/custody"
	"bullion-custody-go/internal/custody/mock"
	"bullion-custody-go/internal/custody/prime"
	"bullion-custody-go/internal/custody/storage"
	"bullion-custody-go/internal/ingest"
	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/ledger"
	ledgerformance "bullion-custody-go/internal/ledger/formance"
	"bullion-custody-go/internal/models"
	"bullion-custody-go/internal/pricing"
	"bullion-custody-go/internal/quote"
	"bullion-custody-go/internal/settlement"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Try to load .env file - if it doesn't exist, that's okay
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Services is the wired application graph shared by the server and the
// operational CLIs.
type Services struct {
	Store       *kvstore.Store
	Storage     *storage.Service
	Ledger      ledger.Ledger
	Matrix      *custody.AssetMatrix
	Registry    *custody.Registry
	Prices      *pricing.StaticSource
	Spreads     *pricing.Spreads
	Quotes      *quote.Service
	Settlements *settlement.Service
	Ingest      *ingest.Service
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	kv, err := kvstore.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	st := storage.NewService(kv)

	led, err := initializeLedger(ctx, kv, cfg.Ledger)
	if err != nil {
		kv.Close()
		return nil, err
	}

	matrix, err := custody.LoadAssetMatrix(cfg.Provider.AssetsFile)
	if err != nil {
		led.Close()
		kv.Close()
		return nil, err
	}
	spreads, err := pricing.LoadSpreads(kv, cfg.Provider.AssetsFile)
	if err != nil {
		led.Close()
		kv.Close()
		return nil, err
	}
	prices, err := pricing.LoadStaticSource(cfg.Provider.AssetsFile)
	if err != nil {
		led.Close()
		kv.Close()
		return nil, err
	}

	registry, err := initializeAdapters(ctx, cfg, kv, st, led, matrix)
	if err != nil {
		led.Close()
		kv.Close()
		return nil, err
	}

	return &Services{
		Store:       kv,
		Storage:     st,
		Ledger:      led,
		Matrix:      matrix,
		Registry:    registry,
		Prices:      prices,
		Spreads:     spreads,
		Quotes:      quote.NewService(kv, prices, cfg.Quote.TTL),
		Settlements: settlement.NewService(kv, led, prices, spreads),
		Ingest:      ingest.NewService(registry, st, led, matrix),
	}, nil
}

// InitializeStoreOnly opens just the state store. Used by read-only
// CLIs that don't need provider credentials.
func InitializeStoreOnly(ctx context.Context, cfg *models.Config) (*kvstore.Store, error) {
	return kvstore.Open(ctx, cfg.Store)
}

func initializeLedger(ctx context.Context, kv *kvstore.Store, cfg models.LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Backend {
	case "", "store":
		return ledger.NewService(kv), nil
	case "formance":
		zap.L().Info("Using Formance ledger backend")
		return ledgerformance.NewService(ctx, cfg.Formance)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// initializeAdapters registers the mock adapter unconditionally and the
// Prime adapter when it is the configured provider.
func initializeAdapters(ctx context.Context, cfg *models.Config, kv *kvstore.Store, st *storage.Service, led ledger.Ledger, matrix *custody.AssetMatrix) (*custody.Registry, error) {
	registry := custody.NewRegistry()

	if err := registry.Register(mock.NewAdapter(st, led, matrix, cfg.Provider.WebhookSecret)); err != nil {
		return nil, err
	}

	if cfg.Provider.Name == prime.ProviderName {
		zap.L().Info("Loading Prime API credentials")
		creds, err := loadPrimeCredentials()
		if err != nil {
			return nil, err
		}
		adapter, err := prime.NewAdapter(ctx, creds, kv, st, led, matrix, cfg.Provider.WebhookSecret)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	zap.L().Info("Custody adapters registered", zap.Strings("providers", registry.Providers()))
	return registry, nil
}

func (s *Services) Close() {
	if s.Ledger != nil {
		s.Ledger.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

func loadPrimeCredentials() (*credentials.Credentials, error) {
	accessKey := os.Getenv("PRIME_ACCESS_KEY")
	passphrase := os.Getenv("PRIME_PASSPHRASE")
	signingKey := os.Getenv("PRIME_SIGNING_KEY")

	if accessKey == "" || passphrase == "" || signingKey == "" {
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}

	return &credentials.Credentials{
		AccessKey:  accessKey,
		Passphrase: passphrase,
		SigningKey: signingKey,
	}, nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
