package ledger

import (
	"context"
	"errors"

	"bullion-custody-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across ledger backends.
var (
	ErrEntryNotFound   = errors.New("capital entry not found")
	ErrAlreadyReversed = errors.New("capital entry already reversed")
)

// Source keys qualify the idempotency namespace so a custody
// transaction id can never collide with a settlement order id.
const (
	SourcePrefixTransaction = "tx/"
	SourcePrefixSettlement  = "settlement/"
)

// Ledger is the capital ledger contract satisfied by the state-store
// and Formance backends. It is the sole source of truth for confirmed
// custody balances.
type Ledger interface {
	// Append records an entry exactly once per source. A duplicate
	// source is a no-op returning the existing entry and created=false.
	Append(ctx context.Context, entry *models.CapitalEntry) (*models.CapitalEntry, bool, error)

	// FindBySource returns the entry recorded for a source key, or
	// ErrEntryNotFound.
	FindBySource(ctx context.Context, sourceKey string) (*models.CapitalEntry, error)

	// Reverse marks an entry reversed and records the paired reversal
	// entry. Each entry can be reversed at most once.
	Reverse(ctx context.Context, entryId, note string) (*models.CapitalEntry, error)

	// Balance sums non-reversed entries for one scope and asset:
	// credits positive, settlement debits negative.
	Balance(ctx context.Context, scope, asset string) (decimal.Decimal, error)

	// Entries lists all entries for a scope in creation order.
	Entries(ctx context.Context, scope string) ([]models.CapitalEntry, error)

	// Close releases backend resources.
	Close()
}

// SourceKey returns the idempotency key for an entry, or "" when the
// entry has no external source (reversals).
func SourceKey(entry *models.CapitalEntry) string {
	if entry.SourceTransactionId != "" {
		return SourcePrefixTransaction + entry.SourceTransactionId
	}
	if entry.SourceSettlementId != "" {
		return SourcePrefixSettlement + entry.SourceSettlementId
	}
	return ""
}
