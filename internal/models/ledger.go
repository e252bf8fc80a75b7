package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a capital ledger line.
type EntryKind string

const (
	EntryCustodyCredit   EntryKind = "custodyCredit"
	EntrySettlementDebit EntryKind = "settlementDebit"
	EntryReversal        EntryKind = "reversal"
)

// EntryStatus is the lifecycle state of a capital entry.
type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntrySettled  EntryStatus = "settled"
	EntryReversed EntryStatus = "reversed"
)

// CapitalEntry is one accounting line in the capital ledger. Exactly one
// of VaultId/AccountId scopes the entry. SourceTransactionId is unique
// among non-reversed entries, which is what prevents a replayed webhook
// from crediting twice.
type CapitalEntry struct {
	Id                  string          `json:"id"`
	VaultId             string          `json:"vault_id,omitempty"`
	AccountId           string          `json:"account_id,omitempty"`
	Kind                EntryKind       `json:"kind"`
	Amount              decimal.Decimal `json:"amount"`
	Asset               string          `json:"asset"`
	Status              EntryStatus     `json:"status"`
	SourceTransactionId string          `json:"source_transaction_id,omitempty"`
	SourceSettlementId  string          `json:"source_settlement_id,omitempty"`
	ReversalOf          string          `json:"reversal_of,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	SettledAt           *time.Time      `json:"settled_at,omitempty"`
}

// Scope returns the ledger account this entry belongs to.
func (e *CapitalEntry) Scope() string {
	if e.VaultId != "" {
		return e.VaultId
	}
	return e.AccountId
}
