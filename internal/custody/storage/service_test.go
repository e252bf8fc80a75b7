package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/models"

	"github.com/shopspring/decimal"
)

func setupTestStorage(t *testing.T) *Service {
	kv, err := kvstore.OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(kv.Close)
	return NewService(kv)
}

func testVault(id, owner string) *models.Vault {
	return &models.Vault{
		Id:          id,
		OwnerUserId: owner,
		Provider:    "mock",
		Status:      models.VaultActive,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestCreateVault_OnePerOwner(t *testing.T) {
	svc := setupTestStorage(t)
	ctx := context.Background()

	if err := svc.CreateVault(ctx, testVault("vault-1", "user-1")); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}

	err := svc.CreateVault(ctx, testVault("vault-2", "user-1"))
	if !errors.Is(err, ErrVaultExists) {
		t.Fatalf("Expected ErrVaultExists, got %v", err)
	}

	vault, err := svc.GetVaultByUserId(ctx, "mock", "user-1")
	if err != nil {
		t.Fatalf("GetVaultByUserId failed: %v", err)
	}
	if vault.Id != "vault-1" {
		t.Errorf("Expected vault-1, got %s", vault.Id)
	}
}

func TestSetVaultStatus(t *testing.T) {
	svc := setupTestStorage(t)
	ctx := context.Background()

	if err := svc.CreateVault(ctx, testVault("vault-1", "user-1")); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}

	vault, err := svc.SetVaultStatus(ctx, "vault-1", models.VaultClosed)
	if err != nil {
		t.Fatalf("SetVaultStatus failed: %v", err)
	}
	if vault.Status != models.VaultClosed {
		t.Errorf("Expected closed, got %s", vault.Status)
	}
}

func TestCreateDepositAddress_GloballyUnique(t *testing.T) {
	svc := setupTestStorage(t)
	ctx := context.Background()

	addr := &models.DepositAddress{
		Address:   "0xaabbccdd",
		Asset:     "ETH",
		Network:   "ethereum-mainnet",
		VaultId:   "vault-1",
		CreatedAt: time.Now().UTC(),
	}
	if err := svc.CreateDepositAddress(ctx, addr); err != nil {
		t.Fatalf("CreateDepositAddress failed: %v", err)
	}

	// Same address string for a different vault must be rejected.
	dup := &models.DepositAddress{
		Address: "0xaabbccdd",
		Asset:   "ETH",
		Network: "ethereum-mainnet",
		VaultId: "vault-2",
	}
	err := svc.CreateDepositAddress(ctx, dup)
	if !errors.Is(err, ErrAddressExists) {
		t.Fatalf("Expected ErrAddressExists, got %v", err)
	}
}

func TestGetDepositAddress_Unallocated(t *testing.T) {
	svc := setupTestStorage(t)

	addr, err := svc.GetDepositAddress(context.Background(), "vault-1", "ETH", "ethereum-mainnet")
	if err != nil {
		t.Fatalf("GetDepositAddress failed: %v", err)
	}
	if addr != nil {
		t.Errorf("Expected nil for unallocated tuple, got %+v", addr)
	}
}

func TestFindVaultByAddress(t *testing.T) {
	svc := setupTestStorage(t)
	ctx := context.Background()

	if err := svc.CreateVault(ctx, testVault("vault-1", "user-1")); err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	addr := &models.DepositAddress{
		Address: "0x11223344",
		Asset:   "ETH",
		Network: "ethereum-mainnet",
		VaultId: "vault-1",
	}
	if err := svc.CreateDepositAddress(ctx, addr); err != nil {
		t.Fatalf("CreateDepositAddress failed: %v", err)
	}

	vault, err := svc.FindVaultByAddress(ctx, "0x11223344")
	if err != nil {
		t.Fatalf("FindVaultByAddress failed: %v", err)
	}
	if vault.Id != "vault-1" {
		t.Errorf("Expected vault-1, got %s", vault.Id)
	}

	if _, err := svc.FindVaultByAddress(ctx, "0xunknown"); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("Expected ErrVaultNotFound, got %v", err)
	}
}

func observedTx(id string, confirmations int, status models.TransactionStatus) *models.CustodyTransaction {
	return &models.CustodyTransaction{
		Id:                    id,
		VaultId:               "vault-1",
		Asset:                 "ETH",
		Network:               "ethereum-mainnet",
		Direction:             models.DirectionIn,
		Amount:                decimal.NewFromFloat(1.0),
		Confirmations:         confirmations,
		RequiredConfirmations: 12,
		Status:                status,
		PayloadHash:           "hash-" + id,
		ObservedAt:            time.Now().UTC(),
	}
}

func TestUpsertTransaction_MonotonicProgress(t *testing.T) {
	svc := setupTestStorage(t)
	ctx := context.Background()

	tx, err := svc.UpsertTransaction(ctx, observedTx("ptx-1", 0, models.TxPending))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if tx.Status != models.TxPending {
		t.Fatalf("Expected pending, got %s", tx.Status)
	}

	tx, err = svc.UpsertTransaction(ctx, observedTx("ptx-1", 5, models.TxConfirming))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if tx.Status != models.TxConfirming || tx.Confirmations != 5 {
		t.Fatalf("Expected confirming/5, got %s/%d", tx.Status, tx.Confirmations)
	}

	tx, err = svc.UpsertTransaction(ctx, observedTx("ptx-1", 12, models.TxConfirmed))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if tx.Status != models.TxConfirmed {
		t.Fatalf("Expected confirmed, got %s", tx.Status)
	}
	if tx.ConfirmedAt == nil {
		t.Error("Expected ConfirmedAt to be set")
	}
}

func TestUpsertTransaction_NeverRegresses(t *testing.T) {
	svc := setupTestStorage(t)
	ctx := context.Background()

	if _, err := svc.UpsertTransaction(ctx, observedTx("ptx-1", 12, models.TxConfirmed)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// A stale redelivery with fewer confirmations must not move the
	// transaction backwards.
	tx, err := svc.UpsertTransaction(ctx, observedTx("ptx-1", 3, models.TxConfirming))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if tx.Status != models.TxConfirmed {
		t.Errorf("Expected confirmed to stick, got %s", tx.Status)
	}
	if tx.Confirmations != 12 {
		t.Errorf("Expected 12 confirmations to stick, got %d", tx.Confirmations)
	}
}

func TestGetTransactions_Filter(t *testing.T) {
	svc := setupTestStorage(t)
	ctx := context.Background()

	if _, err := svc.UpsertTransaction(ctx, observedTx("ptx-1", 12, models.TxConfirmed)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	out := observedTx("ptx-2", 0, models.TxPending)
	out.Direction = models.DirectionOut
	if _, err := svc.UpsertTransaction(ctx, out); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	all, err := svc.GetTransactions(ctx, "vault-1", TransactionFilter{})
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(all))
	}

	outbound, err := svc.GetTransactions(ctx, "vault-1", TransactionFilter{Direction: models.DirectionOut})
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(outbound) != 1 || outbound[0].Id != "ptx-2" {
		t.Fatalf("Expected only ptx-2, got %+v", outbound)
	}
}

func TestGetTransactions_Pagination(t *testing.T) {
	svc := setupTestStorage(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		tx := observedTx(fmt.Sprintf("ptx-%d", i), 0, models.TxPending)
		tx.ObservedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := svc.UpsertTransaction(ctx, tx); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	page, err := svc.GetTransactions(ctx, "vault-1", TransactionFilter{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(page) != 2 || page[0].Id != "ptx-2" || page[1].Id != "ptx-3" {
		t.Fatalf("Expected ptx-2 and ptx-3, got %+v", page)
	}

	tail, err := svc.GetTransactions(ctx, "vault-1", TransactionFilter{Offset: 4})
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(tail) != 1 || tail[0].Id != "ptx-5" {
		t.Fatalf("Expected only ptx-5, got %+v", tail)
	}

	beyond, err := svc.GetTransactions(ctx, "vault-1", TransactionFilter{Offset: 10})
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(beyond) != 0 {
		t.Fatalf("Expected empty page past the end, got %+v", beyond)
	}
}
