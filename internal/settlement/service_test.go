package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/ledger"
	"bullion-custody-go/internal/models"
	"bullion-custody-go/internal/pricing"

	"github.com/shopspring/decimal"
)

func setupTestService(t *testing.T) (*Service, ledger.Ledger) {
	kv, err := kvstore.OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(kv.Close)

	prices := pricing.NewStaticSource()
	prices.Set("AUXG", decimal.RequireFromString("135"))

	spreads := pricing.NewSpreads(kv, map[string]decimal.Decimal{
		"AUXG": decimal.RequireFromString("0.65"),
	})

	led := ledger.NewService(kv)
	return NewService(kv, led, prices, spreads), led
}

func sellParams() Params {
	return Params{
		AccountId: "acct-1",
		Asset:     "AUXG",
		Grams:     decimal.NewFromInt(10),
		Rail:      "ach",
	}
}

func TestCreate_AppliesExitSpread(t *testing.T) {
	svc, _ := setupTestService(t)

	order, err := svc.Create(context.Background(), sellParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 135 * (1 - 0.65/100) = 134.1225; 10 grams -> 1341.225 USD.
	if !order.SettlementPricePerGram.Equal(decimal.RequireFromString("134.1225")) {
		t.Errorf("Expected settlement price 134.1225, got %s", order.SettlementPricePerGram.String())
	}
	if !order.TotalSettlementUSD.Equal(decimal.RequireFromString("1341.225")) {
		t.Errorf("Expected total 1341.225, got %s", order.TotalSettlementUSD.String())
	}
	if order.Status != models.SettlementPending {
		t.Errorf("Expected pending order, got %s", order.Status)
	}
	if order.ProceedsCredited {
		t.Error("Proceeds must not be credited at creation")
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].Status != models.SettlementPending {
		t.Errorf("Expected seeded status history, got %+v", order.StatusHistory)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	params := sellParams()
	params.Grams = decimal.Zero
	if _, err := svc.Create(ctx, params); !errors.Is(err, ErrInvalidSettlementOrder) {
		t.Errorf("Expected ErrInvalidSettlementOrder for zero grams, got %v", err)
	}

	params = sellParams()
	params.Rail = ""
	if _, err := svc.Create(ctx, params); !errors.Is(err, ErrInvalidSettlementOrder) {
		t.Errorf("Expected ErrInvalidSettlementOrder for missing rail, got %v", err)
	}
}

func TestCreateFromQuote_UsesLockedPrice(t *testing.T) {
	svc, _ := setupTestService(t)

	quote := &models.Quote{
		Id:           "q-1",
		Side:         models.QuoteSell,
		Asset:        "AUXG",
		Quantity:     decimal.NewFromInt(10),
		AccountId:    "acct-1",
		PricePerUnit: decimal.RequireFromString("130"), // locked below spot
		Status:       models.QuoteExecuted,
	}
	order, err := svc.CreateFromQuote(context.Background(), quote, "ach")
	if err != nil {
		t.Fatalf("CreateFromQuote failed: %v", err)
	}
	if !order.SpotPricePerGram.Equal(decimal.RequireFromString("130")) {
		t.Errorf("Expected quote price 130, got %s", order.SpotPricePerGram.String())
	}
	// 130 * 0.9935 = 129.155
	if !order.SettlementPricePerGram.Equal(decimal.RequireFromString("129.155")) {
		t.Errorf("Expected settlement price 129.155, got %s", order.SettlementPricePerGram.String())
	}
}

func TestCreateFromQuote_RejectsUnexecutedOrBuy(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	active := &models.Quote{Id: "q-1", Side: models.QuoteSell, Status: models.QuoteActive}
	if _, err := svc.CreateFromQuote(ctx, active, "ach"); !errors.Is(err, ErrQuoteNotExecutable) {
		t.Errorf("Expected ErrQuoteNotExecutable for active quote, got %v", err)
	}

	buy := &models.Quote{Id: "q-2", Side: models.QuoteBuy, Status: models.QuoteExecuted}
	if _, err := svc.CreateFromQuote(ctx, buy, "ach"); !errors.Is(err, ErrQuoteNotExecutable) {
		t.Errorf("Expected ErrQuoteNotExecutable for buy quote, got %v", err)
	}
}

func TestCreateFromQuote_ConsumedByOneOrder(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	quote := &models.Quote{
		Id:           "q-1",
		Side:         models.QuoteSell,
		Asset:        "AUXG",
		Quantity:     decimal.NewFromInt(10),
		AccountId:    "acct-1",
		PricePerUnit: decimal.RequireFromString("130"),
		Status:       models.QuoteExecuted,
	}
	first, err := svc.CreateFromQuote(ctx, quote, "ach")
	if err != nil {
		t.Fatalf("CreateFromQuote failed: %v", err)
	}

	// The quote is consumed; no amount of retrying mints another order
	// at the locked price.
	if _, err := svc.CreateFromQuote(ctx, quote, "wire"); !errors.Is(err, ErrQuoteAlreadySettled) {
		t.Fatalf("Expected ErrQuoteAlreadySettled, got %v", err)
	}

	orders, err := svc.List(ctx, "acct-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(orders) != 1 || orders[0].Id != first.Id {
		t.Errorf("Expected only the first order, got %+v", orders)
	}
}

func TestComplete_DebitsLedgerOnce(t *testing.T) {
	svc, led := setupTestService(t)
	ctx := context.Background()

	order, err := svc.Create(ctx, sellParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	completed, err := svc.Complete(ctx, order.Id, "wire sent")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if completed.Status != models.SettlementCompleted {
		t.Errorf("Expected completed status, got %s", completed.Status)
	}
	if !completed.ProceedsCredited {
		t.Error("Expected proceeds credited after completion")
	}
	if completed.SettledAt == nil {
		t.Error("Expected SettledAt to be set")
	}

	entry, err := led.FindBySource(ctx, ledger.SourcePrefixSettlement+order.Id)
	if err != nil {
		t.Fatalf("Expected settlement debit, got %v", err)
	}
	if entry.Kind != models.EntrySettlementDebit || !entry.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Unexpected debit entry: %+v", entry)
	}

	// Completing again is an invalid transition and must not re-debit.
	if _, err := svc.Complete(ctx, order.Id, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
	balance, err := led.Balance(ctx, "acct-1", "AUXG")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("Expected single -10 debit, got balance %s", balance.String())
	}
}

func TestComplete_LosingToFailLeavesNoDebit(t *testing.T) {
	svc, led := setupTestService(t)
	ctx := context.Background()

	order, err := svc.Create(ctx, sellParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Interleave a Fail between Complete's read and its conditional
	// write. The failing transition wins the order and the losing
	// Complete must leave the ledger untouched.
	interrupted := false
	svc.now = func() time.Time {
		if !interrupted {
			interrupted = true
			failer := NewService(svc.kv, led, svc.prices, svc.spreads)
			if _, err := failer.Fail(ctx, order.Id, "rail rejected"); err != nil {
				t.Fatalf("Fail failed: %v", err)
			}
		}
		return time.Now()
	}

	if _, err := svc.Complete(ctx, order.Id, "wire sent"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}

	final, err := svc.Get(ctx, order.Id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != models.SettlementFailed {
		t.Errorf("Expected failed order, got %s", final.Status)
	}
	if final.ProceedsCredited {
		t.Error("Failed order must not have proceeds credited")
	}
	if _, err := led.FindBySource(ctx, ledger.SourcePrefixSettlement+order.Id); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Errorf("Expected no debit for failed order, got %v", err)
	}
}

func TestComplete_ResumesAfterPartialFailure(t *testing.T) {
	svc, led := setupTestService(t)
	ctx := context.Background()

	order, err := svc.Create(ctx, sellParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Simulate a completer that died between the status flip and the
	// debit: the stored order is completed but nothing was credited.
	rec, err := svc.kv.Get(ctx, nsOrder, order.Id)
	if err != nil {
		t.Fatalf("Get record failed: %v", err)
	}
	var stored models.SettlementOrder
	if err := json.Unmarshal(rec.Value, &stored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	now := time.Now().UTC()
	stored.Status = models.SettlementCompleted
	stored.SettledAt = &now
	value, err := json.Marshal(&stored)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := svc.kv.Update(ctx, nsOrder, order.Id, value, rec.Version); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	completed, err := svc.Complete(ctx, order.Id, "retry")
	if err != nil {
		t.Fatalf("Retried Complete failed: %v", err)
	}
	if !completed.ProceedsCredited {
		t.Error("Expected retry to credit proceeds")
	}
	if _, err := led.FindBySource(ctx, ledger.SourcePrefixSettlement+order.Id); err != nil {
		t.Fatalf("Expected settlement debit after retry, got %v", err)
	}

	// Fully settled now; a further Complete is invalid.
	if _, err := svc.Complete(ctx, order.Id, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestComplete_FromProcessing(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	order, err := svc.Create(ctx, sellParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.MarkProcessing(ctx, order.Id, "payout queued"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	completed, err := svc.Complete(ctx, order.Id, "wire sent")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(completed.StatusHistory) != 3 {
		t.Errorf("Expected 3 history lines, got %d", len(completed.StatusHistory))
	}
}

func TestFail_TerminalAndImmutable(t *testing.T) {
	svc, led := setupTestService(t)
	ctx := context.Background()

	order, err := svc.Create(ctx, sellParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	failed, err := svc.Fail(ctx, order.Id, "rail rejected")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != models.SettlementFailed {
		t.Errorf("Expected failed status, got %s", failed.Status)
	}
	last := failed.StatusHistory[len(failed.StatusHistory)-1]
	if last.Note != "rail rejected" {
		t.Errorf("Expected reason in history, got %q", last.Note)
	}

	// Terminal: neither completion nor a second failure is allowed,
	// and the ledger stays untouched.
	if _, err := svc.Complete(ctx, order.Id, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition completing failed order, got %v", err)
	}
	if _, err := svc.Fail(ctx, order.Id, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition re-failing order, got %v", err)
	}
	if _, err := led.FindBySource(ctx, ledger.SourcePrefixSettlement+order.Id); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Errorf("Expected no debit for failed order, got %v", err)
	}
}

func TestMarkProcessing_OnlyFromPending(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	order, err := svc.Create(ctx, sellParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.MarkProcessing(ctx, order.Id, ""); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if _, err := svc.MarkProcessing(ctx, order.Id, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestGet_Unknown(t *testing.T) {
	svc, _ := setupTestService(t)

	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestList_FiltersByAccount(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, sellParams())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	other := sellParams()
	other.AccountId = "acct-2"
	if _, err := svc.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	orders, err := svc.List(ctx, "acct-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(orders) != 1 || orders[0].Id != first.Id {
		t.Errorf("Expected only acct-1 order, got %+v", orders)
	}

	all, err := svc.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 orders, got %d", len(all))
	}
}
