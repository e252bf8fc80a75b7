package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the lifecycle state of a payout order.
// completed and failed are terminal.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementCompleted || s == SettlementFailed
}

// StatusChange is one audit-trail line in a settlement order's history.
type StatusChange struct {
	Status SettlementStatus `json:"status"`
	At     time.Time        `json:"at"`
	Note   string           `json:"note,omitempty"`
}

// SettlementOrder is a payout request derived from a ledger position
// and an exit price. SettlementPricePerGram = spot * (1 - spread/100).
type SettlementOrder struct {
	Id                     string           `json:"id"`
	AccountId              string           `json:"account_id"`
	Asset                  string           `json:"asset"`
	Grams                  decimal.Decimal  `json:"grams"`
	SpotPricePerGram       decimal.Decimal  `json:"spot_price_per_gram"`
	ExitSpreadPercent      decimal.Decimal  `json:"exit_spread_percent"`
	SettlementPricePerGram decimal.Decimal  `json:"settlement_price_per_gram"`
	TotalSettlementUSD     decimal.Decimal  `json:"total_settlement_usd"`
	SettlementRail         string           `json:"settlement_rail"`
	Status                 SettlementStatus `json:"status"`
	StatusHistory          []StatusChange   `json:"status_history"`
	ProceedsCredited       bool             `json:"proceeds_credited"`
	CreatedAt              time.Time        `json:"created_at"`
	SettledAt              *time.Time       `json:"settled_at,omitempty"`
}
