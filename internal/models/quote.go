package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSide is the direction of the prospective trade.
type QuoteSide string

const (
	QuoteBuy  QuoteSide = "buy"
	QuoteSell QuoteSide = "sell"
)

// QuoteStatus is the lifecycle state of a price lock.
type QuoteStatus string

const (
	QuoteActive   QuoteStatus = "active"
	QuoteExecuted QuoteStatus = "executed"
	QuoteExpired  QuoteStatus = "expired"
)

// Quote is a short-lived locked price for one prospective trade.
// A quote transitions active -> executed exactly once, or active ->
// expired when the TTL elapses unconsumed; it is never mutated after
// leaving active.
type Quote struct {
	Id           string          `json:"id"`
	Side         QuoteSide       `json:"side"`
	Asset        string          `json:"asset"`
	Quantity     decimal.Decimal `json:"quantity"`
	AccountId    string          `json:"account_id"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	LockedAt     time.Time       `json:"locked_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Status       QuoteStatus     `json:"status"`
}
