package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State store namespaces for the ledger. The source index is the
// commit point: it holds the full entry as written, and the other two
// namespaces are derived rows re-created on read if a writer died
// between them.
const (
	nsEntry         = "capital_entry"           // scope/entryId -> entry (current state)
	nsEntryById     = "capital_entry_by_id"     // entryId -> scope/entryId
	nsEntryBySource = "capital_entry_by_source" // source key -> entry as appended
	nsReversalOf    = "capital_entry_reversal"  // original entryId -> reversal entryId
)

// Compile-time check: *Service must satisfy Ledger.
var _ Ledger = (*Service)(nil)

// Service is the state-store-backed capital ledger. Exactly-once
// appends ride on the store's insert-if-absent primitive keyed by the
// entry's source; no check-then-act pair is involved.
type Service struct {
	kv *kvstore.Store
}

func NewService(kv *kvstore.Store) *Service {
	return &Service{kv: kv}
}

func (s *Service) Close() {}

func (s *Service) Append(ctx context.Context, entry *models.CapitalEntry) (*models.CapitalEntry, bool, error) {
	if entry.Scope() == "" {
		return nil, false, fmt.Errorf("capital entry requires a vault or account scope")
	}
	if entry.Amount.IsNegative() {
		return nil, false, fmt.Errorf("capital entry amount cannot be negative: %s", entry.Amount.String())
	}

	stored := *entry
	if stored.Id == "" {
		stored.Id = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal capital entry: %w", err)
	}

	// The source index decides the winner in a single insert, carrying
	// the whole entry so a writer dying right after it leaves nothing
	// to lose: the derived rows are rebuilt on the next read.
	if sourceKey := SourceKey(&stored); sourceKey != "" {
		err := s.kv.Create(ctx, nsEntryBySource, sourceKey, value)
		if errors.Is(err, kvstore.ErrKeyExists) {
			existing, ferr := s.FindBySource(ctx, sourceKey)
			if ferr != nil {
				return nil, false, ferr
			}
			zap.L().Info("Duplicate ledger source, returning existing entry",
				zap.String("source", sourceKey),
				zap.String("entry_id", existing.Id))
			return existing, false, nil
		}
		if err != nil {
			return nil, false, err
		}
	}

	if err := s.writeDerived(ctx, &stored, value); err != nil {
		return nil, false, err
	}

	zap.L().Info("Capital entry recorded",
		zap.String("entry_id", stored.Id),
		zap.String("scope", stored.Scope()),
		zap.String("kind", string(stored.Kind)),
		zap.String("asset", stored.Asset),
		zap.String("amount", stored.Amount.String()))
	return &stored, true, nil
}

func (s *Service) FindBySource(ctx context.Context, sourceKey string) (*models.CapitalEntry, error) {
	rec, err := s.kv.Get(ctx, nsEntryBySource, sourceKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: source %s", ErrEntryNotFound, sourceKey)
	}
	if err != nil {
		return nil, err
	}

	var indexed models.CapitalEntry
	if err := json.Unmarshal(rec.Value, &indexed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal indexed entry for source %s: %w", sourceKey, err)
	}

	// Rebuild the derived rows if the writer died before them, then
	// read through for the entry's current state (it may have been
	// reversed since it was appended).
	if err := s.writeDerived(ctx, &indexed, rec.Value); err != nil {
		return nil, err
	}
	return s.getEntry(ctx, indexed.Scope()+"/"+indexed.Id)
}

// writeDerived records the per-scope entry row and the by-id pointer
// for an entry committed through the source index. Both inserts
// tolerate already-present rows so the call is safe to repeat; it
// never overwrites, because the entry row carries mutable state.
func (s *Service) writeDerived(ctx context.Context, entry *models.CapitalEntry, value []byte) error {
	fullKey := entry.Scope() + "/" + entry.Id
	if err := s.kv.Create(ctx, nsEntry, fullKey, value); err != nil && !errors.Is(err, kvstore.ErrKeyExists) {
		return fmt.Errorf("failed to record capital entry: %w", err)
	}
	if err := s.kv.Create(ctx, nsEntryById, entry.Id, []byte(fullKey)); err != nil && !errors.Is(err, kvstore.ErrKeyExists) {
		return fmt.Errorf("failed to index capital entry: %w", err)
	}
	return nil
}

func (s *Service) Reverse(ctx context.Context, entryId, note string) (*models.CapitalEntry, error) {
	fullKeyRec, err := s.kv.Get(ctx, nsEntryById, entryId)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryId)
	}
	if err != nil {
		return nil, err
	}
	fullKey := string(fullKeyRec.Value)

	original, err := s.getEntry(ctx, fullKey)
	if err != nil {
		return nil, err
	}
	if original.Status == models.EntryReversed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReversed, entryId)
	}

	// The reversalOf back-reference is unique: one reversal per entry.
	reversalId := uuid.New().String()
	if err := s.kv.Create(ctx, nsReversalOf, entryId, []byte(reversalId)); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyReversed, entryId)
		}
		return nil, err
	}

	now := time.Now().UTC()
	reversal := &models.CapitalEntry{
		Id:         reversalId,
		VaultId:    original.VaultId,
		AccountId:  original.AccountId,
		Kind:       models.EntryReversal,
		Amount:     original.Amount,
		Asset:      original.Asset,
		Status:     models.EntrySettled,
		ReversalOf: original.Id,
		CreatedAt:  now,
		SettledAt:  &now,
	}
	value, err := json.Marshal(reversal)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reversal entry: %w", err)
	}
	reversalKey := reversal.Scope() + "/" + reversal.Id
	if err := s.kv.Create(ctx, nsEntry, reversalKey, value); err != nil {
		return nil, fmt.Errorf("failed to record reversal entry: %w", err)
	}
	if err := s.kv.Create(ctx, nsEntryById, reversal.Id, []byte(reversalKey)); err != nil {
		return nil, fmt.Errorf("failed to index reversal entry: %w", err)
	}

	if err := s.markReversed(ctx, fullKey); err != nil {
		return nil, err
	}

	zap.L().Info("Capital entry reversed",
		zap.String("entry_id", original.Id),
		zap.String("reversal_id", reversal.Id),
		zap.String("note", note))
	return reversal, nil
}

// markReversed flips the original entry's status with a conditional
// write, retrying on interleaved updates.
func (s *Service) markReversed(ctx context.Context, fullKey string) error {
	for {
		rec, err := s.kv.Get(ctx, nsEntry, fullKey)
		if err != nil {
			return err
		}
		var entry models.CapitalEntry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal capital entry %s: %w", fullKey, err)
		}
		if entry.Status == models.EntryReversed {
			return nil
		}
		entry.Status = models.EntryReversed

		value, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		err = s.kv.Update(ctx, nsEntry, fullKey, value, rec.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kvstore.ErrVersionConflict) {
			return err
		}
	}
}

func (s *Service) Balance(ctx context.Context, scope, asset string) (decimal.Decimal, error) {
	entries, err := s.Entries(ctx, scope)
	if err != nil {
		return decimal.Zero, err
	}

	balance := decimal.Zero
	for _, entry := range entries {
		if entry.Asset != asset {
			continue
		}
		if entry.Status == models.EntryReversed || entry.Kind == models.EntryReversal {
			continue
		}
		switch entry.Kind {
		case models.EntryCustodyCredit:
			balance = balance.Add(entry.Amount)
		case models.EntrySettlementDebit:
			balance = balance.Sub(entry.Amount)
		}
	}
	return balance, nil
}

func (s *Service) Entries(ctx context.Context, scope string) ([]models.CapitalEntry, error) {
	records, err := s.kv.List(ctx, nsEntry, scope+"/")
	if err != nil {
		return nil, err
	}

	entries := make([]models.CapitalEntry, 0, len(records))
	for _, rec := range records {
		var entry models.CapitalEntry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capital entry %s: %w", rec.Key, err)
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *Service) getEntry(ctx context.Context, fullKey string) (*models.CapitalEntry, error) {
	rec, err := s.kv.Get(ctx, nsEntry, fullKey)
	if err != nil {
		return nil, err
	}
	var entry models.CapitalEntry
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capital entry %s: %w", fullKey, err)
	}
	return &entry, nil
}
