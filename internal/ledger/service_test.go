package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/models"

	"github.com/shopspring/decimal"
)

func setupTestLedger(t *testing.T) *Service {
	kv, err := kvstore.OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(kv.Close)
	return NewService(kv)
}

func settledCredit(vaultId, asset, txId string, amount decimal.Decimal) *models.CapitalEntry {
	now := time.Now().UTC()
	return &models.CapitalEntry{
		VaultId:             vaultId,
		Kind:                models.EntryCustodyCredit,
		Amount:              amount,
		Asset:               asset,
		Status:              models.EntrySettled,
		SourceTransactionId: txId,
		SettledAt:           &now,
	}
}

func TestAppend_IdempotentOnSource(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()

	first, created, err := svc.Append(ctx, settledCredit("vault-1", "ETH", "ptx-1", decimal.NewFromFloat(1.0)))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !created {
		t.Fatal("Expected first append to create the entry")
	}

	// Same source applied again must be a no-op, not an error.
	second, created, err := svc.Append(ctx, settledCredit("vault-1", "ETH", "ptx-1", decimal.NewFromFloat(1.0)))
	if err != nil {
		t.Fatalf("Replayed append failed: %v", err)
	}
	if created {
		t.Error("Expected replayed append to be a no-op")
	}
	if second.Id != first.Id {
		t.Errorf("Expected existing entry %s, got %s", first.Id, second.Id)
	}

	entries, err := svc.Entries(ctx, "vault-1")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected exactly 1 entry, got %d", len(entries))
	}
}

func TestAppend_HealsInterruptedWrite(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()

	// A writer that died right after winning the source index leaves
	// the index row behind with no derived rows.
	crashed := settledCredit("vault-1", "ETH", "ptx-1", decimal.NewFromFloat(1.0))
	crashed.Id = "entry-1"
	crashed.CreatedAt = time.Now().UTC()
	value, err := json.Marshal(crashed)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := svc.kv.Create(ctx, nsEntryBySource, SourcePrefixTransaction+"ptx-1", value); err != nil {
		t.Fatalf("Seeding index row failed: %v", err)
	}

	// Redelivery of the same source finishes the interrupted write
	// instead of wedging on the occupied key.
	stored, created, err := svc.Append(ctx, settledCredit("vault-1", "ETH", "ptx-1", decimal.NewFromFloat(1.0)))
	if err != nil {
		t.Fatalf("Redelivered append failed: %v", err)
	}
	if created {
		t.Error("Expected redelivery to resolve to the committed entry")
	}
	if stored.Id != "entry-1" {
		t.Errorf("Expected committed entry entry-1, got %s", stored.Id)
	}

	entries, err := svc.Entries(ctx, "vault-1")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected exactly 1 entry after healing, got %d", len(entries))
	}
	balance, err := svc.Balance(ctx, "vault-1", "ETH")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromFloat(1.0)) {
		t.Errorf("Expected balance 1.0, got %s", balance.String())
	}
	if _, err := svc.Reverse(ctx, "entry-1", "healed entry is addressable"); err != nil {
		t.Errorf("Expected healed entry to be reversible, got %v", err)
	}
}

func TestBalance_SumsNonReversed(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()

	if _, _, err := svc.Append(ctx, settledCredit("vault-1", "ETH", "ptx-1", decimal.NewFromFloat(2.0))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, _, err := svc.Append(ctx, settledCredit("vault-1", "ETH", "ptx-2", decimal.NewFromFloat(0.5))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, _, err := svc.Append(ctx, settledCredit("vault-1", "BTC", "ptx-3", decimal.NewFromFloat(1.0))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	balance, err := svc.Balance(ctx, "vault-1", "ETH")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("Expected balance 2.5, got %s", balance.String())
	}
}

func TestBalance_SettlementDebit(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()

	if _, _, err := svc.Append(ctx, settledCredit("acct-1", "AUXG", "ptx-1", decimal.NewFromInt(50))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	debit := &models.CapitalEntry{
		AccountId:          "acct-1",
		Kind:               models.EntrySettlementDebit,
		Amount:             decimal.NewFromInt(10),
		Asset:              "AUXG",
		Status:             models.EntrySettled,
		SourceSettlementId: "order-1",
	}
	if _, _, err := svc.Append(ctx, debit); err != nil {
		t.Fatalf("Append debit failed: %v", err)
	}

	balance, err := svc.Balance(ctx, "acct-1", "AUXG")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(40)) {
		t.Errorf("Expected balance 40, got %s", balance.String())
	}
}

func TestReverse_ExactlyOnce(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()

	entry, _, err := svc.Append(ctx, settledCredit("vault-1", "ETH", "ptx-1", decimal.NewFromFloat(1.0)))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if _, err := svc.Reverse(ctx, entry.Id, "provider reported failure"); err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}

	_, err = svc.Reverse(ctx, entry.Id, "second attempt")
	if !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("Expected ErrAlreadyReversed, got %v", err)
	}

	// Reversed credit no longer counts toward the balance.
	balance, err := svc.Balance(ctx, "vault-1", "ETH")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.IsZero() {
		t.Errorf("Expected zero balance after reversal, got %s", balance.String())
	}
}

func TestReverse_UnknownEntry(t *testing.T) {
	svc := setupTestLedger(t)

	_, err := svc.Reverse(context.Background(), "nope", "")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Expected ErrEntryNotFound, got %v", err)
	}
}

func TestFindBySource(t *testing.T) {
	svc := setupTestLedger(t)
	ctx := context.Background()

	entry, _, err := svc.Append(ctx, settledCredit("vault-1", "ETH", "ptx-9", decimal.NewFromFloat(3.0)))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	found, err := svc.FindBySource(ctx, SourcePrefixTransaction+"ptx-9")
	if err != nil {
		t.Fatalf("FindBySource failed: %v", err)
	}
	if found.Id != entry.Id {
		t.Errorf("Expected entry %s, got %s", entry.Id, found.Id)
	}

	if _, err := svc.FindBySource(ctx, SourcePrefixTransaction+"missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Expected ErrEntryNotFound, got %v", err)
	}
}
