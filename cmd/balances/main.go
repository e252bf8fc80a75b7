package main

import (
	"context"
	"flag"
	"fmt"

	"bullion-custody-go/internal/common"
	"bullion-custody-go/internal/config"
	"bullion-custody-go/internal/custody/storage"
	"bullion-custody-go/internal/ledger"
	"bullion-custody-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceStats struct {
	totalVaults       int
	totalBalances     int
	vaultsWithEntries int
}

type assetBalance struct {
	asset   string
	balance decimal.Decimal
	entries int
}

func vaultBalances(ctx context.Context, led ledger.Ledger, vaultId string) ([]assetBalance, error) {
	entries, err := led.Entries(ctx, vaultId)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	perAsset := make(map[string]int)
	order := make([]string, 0)
	for _, entry := range entries {
		if _, seen := perAsset[entry.Asset]; !seen {
			order = append(order, entry.Asset)
		}
		perAsset[entry.Asset]++
	}

	balances := make([]assetBalance, 0, len(order))
	for _, asset := range order {
		balance, err := led.Balance(ctx, vaultId, asset)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance for %s: %w", asset, err)
		}
		balances = append(balances, assetBalance{asset: asset, balance: balance, entries: perAsset[asset]})
	}
	return balances, nil
}

func printVault(vault models.Vault, balances []assetBalance) {
	fmt.Printf("\n┌─ Vault: %s\n", vault.Id)
	fmt.Printf("│  Owner: %s  Provider: %s  Status: %s\n", vault.OwnerUserId, vault.Provider, vault.Status)
	common.PrintBoxSeparator(78)
	for i, b := range balances {
		fmt.Printf("%s %-10s: %20s (%d entries)\n",
			common.BoxPrefix(i == len(balances)-1), b.asset, b.balance.String(), b.entries)
	}
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	vaultFlag := flag.String("vault", "", "Filter by a specific vault id (optional)")
	flag.Parse()

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Opening state store", zap.String("path", cfg.Store.Path))
	kv, err := common.InitializeStoreOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer kv.Close()

	st := storage.NewService(kv)
	led := ledger.NewService(kv)

	var vaults []models.Vault
	if *vaultFlag != "" {
		vault, err := st.GetVault(ctx, *vaultFlag)
		if err != nil {
			logger.Fatal("Vault not found", zap.String("vault_id", *vaultFlag), zap.Error(err))
		}
		vaults = []models.Vault{*vault}
	} else {
		vaults, err = st.ListVaults(ctx)
		if err != nil {
			logger.Fatal("Failed to list vaults", zap.Error(err))
		}
	}

	common.PrintHeader("VAULT BALANCE REPORT", common.DefaultWidth)

	stats := balanceStats{}
	for _, vault := range vaults {
		stats.totalVaults++
		balances, err := vaultBalances(ctx, led, vault.Id)
		if err != nil {
			logger.Error("Failed to process vault", zap.String("vault_id", vault.Id), zap.Error(err))
			continue
		}
		if len(balances) == 0 {
			continue
		}
		stats.vaultsWithEntries++
		stats.totalBalances += len(balances)
		printVault(vault, balances)
	}

	summary := fmt.Sprintf("SUMMARY: %d vaults with entries (%d balances across %d vaults queried)",
		stats.vaultsWithEntries, stats.totalBalances, stats.totalVaults)
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("vaults_queried", stats.totalVaults),
		zap.Int("vaults_with_entries", stats.vaultsWithEntries))
}
