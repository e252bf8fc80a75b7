package formance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"bullion-custody-go/internal/ledger"
	"bullion-custody-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy ledger.Ledger.
var _ ledger.Ledger = (*Service)(nil)

// assetPrecision maps asset symbols to their ledger decimal precision.
// Metal tokens are gram-denominated; 6 places is well below any dust
// threshold a rail can pay out.
var assetPrecision = map[string]int{
	"USD":  2,
	"USDC": 6,
	"BTC":  8,
	"ETH":  18,
	"AUXG": 6,
	"AUXS": 6,
	"AUXP": 6,
}

// Service implements the capital ledger on a Formance Stack ledger.
// Each entry is one Numscript transaction; the entry's source key is
// the transaction reference, so the stack's duplicate-reference
// CONFLICT is what enforces exactly-once appends.
type Service struct {
	client *v3.Formance
	ledger string
}

// NewService connects to the stack and creates the ledger if it does
// not exist yet.
func NewService(ctx context.Context, cfg models.FormanceConfig) (*Service, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("formance config requires StackURL, ClientID, and ClientSecret")
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = "bullion-custody"
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	svc := &Service{client: client, ledger: cfg.LedgerName}
	if err := svc.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	zap.L().Info("Formance ledger backend initialized", zap.String("ledger", cfg.LedgerName))
	return svc, nil
}

func (s *Service) ensureLedger(ctx context.Context) error {
	_, err := s.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: s.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "bullion-custody",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", s.ledger))
	return nil
}

// Close is a no-op; the HTTP client needs no teardown.
func (s *Service) Close() {}

const numscriptCredit = `vars {
  asset $asset
  number $amount
  account $scope
  string $entry_id
  string $kind
  string $asset_symbol
  string $amount_human
  string $source_key
  string $entry_status
}

send [$asset $amount] (
  source = @custody:incoming allowing unbounded overdraft
  destination = @capital:$scope
)

set_tx_meta("entry_id", $entry_id)
set_tx_meta("kind", $kind)
set_tx_meta("asset_symbol", $asset_symbol)
set_tx_meta("amount_human", $amount_human)
set_tx_meta("source_key", $source_key)
set_tx_meta("entry_status", $entry_status)
`

const numscriptDebit = `vars {
  asset $asset
  number $amount
  account $scope
  string $entry_id
  string $kind
  string $asset_symbol
  string $amount_human
  string $source_key
  string $entry_status
}

send [$asset $amount] (
  source = @capital:$scope allowing unbounded overdraft
  destination = @settlements:payouts
)

set_tx_meta("entry_id", $entry_id)
set_tx_meta("kind", $kind)
set_tx_meta("asset_symbol", $asset_symbol)
set_tx_meta("amount_human", $amount_human)
set_tx_meta("source_key", $source_key)
set_tx_meta("entry_status", $entry_status)
`

// Append records one capital entry as a Formance transaction. The
// source key doubles as the transaction reference; a CONFLICT from the
// stack means an earlier delivery won, and the existing entry is
// returned with created=false.
func (s *Service) Append(ctx context.Context, entry *models.CapitalEntry) (*models.CapitalEntry, bool, error) {
	sourceKey := ledger.SourceKey(entry)
	if sourceKey == "" {
		return nil, false, fmt.Errorf("capital entry requires a source transaction or settlement id")
	}

	stored := *entry
	if stored.Id == "" {
		stored.Id = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	script := numscriptCredit
	if stored.Kind == models.EntrySettlementDebit {
		script = numscriptDebit
	}

	fAsset := formanceAsset(stored.Asset)
	smallAmt := stored.Amount.Shift(int32(precisionFor(stored.Asset))).BigInt().String()

	postTx := shared.V2PostTransaction{
		Reference: v3.Pointer(sourceKey),
		Script: &shared.V2PostTransactionScript{
			Plain: script,
			Vars: map[string]string{
				"asset":        fAsset,
				"amount":       smallAmt,
				"scope":        stored.Scope(),
				"entry_id":     stored.Id,
				"kind":         string(stored.Kind),
				"asset_symbol": stored.Asset,
				"amount_human": stored.Amount.String(),
				"source_key":   sourceKey,
				"entry_status": string(stored.Status),
			},
		},
		Timestamp: &stored.CreatedAt,
	}

	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			existing, ferr := s.FindBySource(ctx, sourceKey)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("error appending capital entry: %w", err)
	}

	zap.L().Info("Capital entry recorded in Formance",
		zap.String("entry_id", stored.Id),
		zap.String("scope", stored.Scope()),
		zap.String("kind", string(stored.Kind)),
		zap.String("asset", stored.Asset),
		zap.String("amount", stored.Amount.String()))
	return &stored, true, nil
}

// FindBySource looks an entry up by its transaction reference.
func (s *Service) FindBySource(ctx context.Context, sourceKey string) (*models.CapitalEntry, error) {
	tx, err := s.findTransaction(ctx, map[string]any{
		"$match": map[string]any{"reference": sourceKey},
	})
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: source %s", ledger.ErrEntryNotFound, sourceKey)
	}
	return entryFromTransaction(tx), nil
}

// Reverse undoes an entry through the stack's native revert, which
// posts the exact mirror of the original transaction. The stack's
// ALREADY_REVERT error is what enforces at-most-once reversal.
func (s *Service) Reverse(ctx context.Context, entryId, note string) (*models.CapitalEntry, error) {
	tx, err := s.findTransaction(ctx, map[string]any{
		"$match": map[string]any{"metadata[entry_id]": entryId},
	})
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, entryId)
	}
	if tx.Reverted {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAlreadyReversed, entryId)
	}

	_, err = s.client.Ledger.V2.RevertTransaction(ctx, operations.V2RevertTransactionRequest{
		Ledger:          s.ledger,
		ID:              tx.ID,
		AtEffectiveDate: v3.Pointer(true),
	})
	if err != nil {
		if isConflictError(err) || isAlreadyRevertedError(err) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAlreadyReversed, entryId)
		}
		return nil, fmt.Errorf("failed to revert entry %s: %w", entryId, err)
	}

	original := entryFromTransaction(tx)
	zap.L().Warn("Capital entry reverted in Formance",
		zap.String("entry_id", entryId),
		zap.String("scope", original.Scope()),
		zap.String("note", note))

	now := time.Now().UTC()
	return &models.CapitalEntry{
		Id:         uuid.New().String(),
		VaultId:    original.VaultId,
		AccountId:  original.AccountId,
		Kind:       models.EntryReversal,
		Amount:     original.Amount,
		Asset:      original.Asset,
		Status:     models.EntrySettled,
		ReversalOf: original.Id,
		CreatedAt:  now,
		SettledAt:  &now,
	}, nil
}

// Balance reads the scope account's volumes. Reverted transactions
// are already netted out by the mirror postings.
func (s *Service) Balance(ctx context.Context, scope, asset string) (decimal.Decimal, error) {
	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: "capital:" + scope,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		if isNotFoundError(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get account volumes: %w", err)
	}

	vol, ok := resp.V2AccountResponse.Data.Volumes[formanceAsset(asset)]
	if !ok {
		return decimal.Zero, nil
	}
	raw := vol.Balance
	if raw == nil {
		if vol.Input == nil {
			return decimal.Zero, nil
		}
		raw = new(big.Int).Set(vol.Input)
		if vol.Output != nil {
			raw.Sub(raw, vol.Output)
		}
	}
	return decimal.NewFromBigInt(raw, -int32(precisionFor(asset))), nil
}

// Entries lists a scope's entries in creation order. Reverted entries
// keep their original line; the revert's mirror shows up as a
// reversal entry.
func (s *Service) Entries(ctx context.Context, scope string) ([]models.CapitalEntry, error) {
	account := "capital:" + scope
	pageSize := int64(100)
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:   s.ledger,
		PageSize: &pageSize,
		RequestBody: map[string]any{
			"$or": []any{
				map[string]any{"$match": map[string]any{"source": account}},
				map[string]any{"$match": map[string]any{"destination": account}},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	var entries []models.CapitalEntry
	for i := range resp.V2TransactionsCursorResponse.Cursor.Data {
		entries = append(entries, *entryFromTransaction(&resp.V2TransactionsCursorResponse.Cursor.Data[i]))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *Service) findTransaction(ctx context.Context, query map[string]any) (*shared.V2Transaction, error) {
	pageSize := int64(1)
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:      s.ledger,
		PageSize:    &pageSize,
		RequestBody: query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	if len(resp.V2TransactionsCursorResponse.Cursor.Data) == 0 {
		return nil, nil
	}
	return &resp.V2TransactionsCursorResponse.Cursor.Data[0], nil
}

// entryFromTransaction reconstructs a CapitalEntry from a stack
// transaction's metadata and postings.
func entryFromTransaction(tx *shared.V2Transaction) *models.CapitalEntry {
	entry := &models.CapitalEntry{
		Id:        tx.Metadata["entry_id"],
		Kind:      models.EntryKind(tx.Metadata["kind"]),
		Asset:     tx.Metadata["asset_symbol"],
		Status:    models.EntryStatus(tx.Metadata["entry_status"]),
		CreatedAt: tx.Timestamp,
	}
	if amt, err := decimal.NewFromString(tx.Metadata["amount_human"]); err == nil {
		entry.Amount = amt
	}

	sourceKey := tx.Metadata["source_key"]
	switch {
	case len(sourceKey) > len(ledger.SourcePrefixTransaction) && sourceKey[:len(ledger.SourcePrefixTransaction)] == ledger.SourcePrefixTransaction:
		entry.SourceTransactionId = sourceKey[len(ledger.SourcePrefixTransaction):]
	case len(sourceKey) > len(ledger.SourcePrefixSettlement) && sourceKey[:len(ledger.SourcePrefixSettlement)] == ledger.SourcePrefixSettlement:
		entry.SourceSettlementId = sourceKey[len(ledger.SourcePrefixSettlement):]
	}

	// The scope account is capital:<scope> on exactly one side of the
	// posting. Credits scope vaults, debits scope payout accounts;
	// metadata does not distinguish the two, so both land in AccountId
	// unless the entry kind implies a vault.
	for _, p := range tx.Postings {
		scope := ""
		if len(p.Destination) > 8 && p.Destination[:8] == "capital:" {
			scope = p.Destination[8:]
		} else if len(p.Source) > 8 && p.Source[:8] == "capital:" {
			scope = p.Source[8:]
		}
		if scope == "" {
			continue
		}
		if entry.Kind == models.EntryCustodyCredit {
			entry.VaultId = scope
		} else {
			entry.AccountId = scope
		}
		break
	}
	if tx.Reverted {
		entry.Status = models.EntryReversed
	}
	return entry
}

func formanceAsset(symbol string) string {
	return fmt.Sprintf("%s/%d", symbol, precisionFor(symbol))
}

func precisionFor(symbol string) int {
	if p, ok := assetPrecision[symbol]; ok {
		return p
	}
	return 6
}

func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}

func isNotFoundError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumNotFound
}

func isAlreadyRevertedError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumAlreadyRevert
}
