package models

import "github.com/shopspring/decimal"

// QuoteRequest is the body of POST /quote.
type QuoteRequest struct {
	Type    string          `json:"type"`
	Metal   string          `json:"metal"`
	Grams   decimal.Decimal `json:"grams"`
	Address string          `json:"address"`
}

// QuoteResponse wraps a quote with its remaining lock time in seconds.
type QuoteResponse struct {
	Quote         *Quote  `json:"quote"`
	TimeRemaining float64 `json:"time_remaining"`
}

// ExecuteQuoteRequest is the body of POST /quote/execute.
type ExecuteQuoteRequest struct {
	Id string `json:"id"`
}

// SettlementRequest is the body of POST /settlement.
type SettlementRequest struct {
	AccountId string          `json:"account_id"`
	Metal     string          `json:"metal"`
	Grams     decimal.Decimal `json:"grams"`
	Rail      string          `json:"rail"`
	QuoteId   string          `json:"quote_id,omitempty"`
}

// SettlementActionRequest is the body of POST /settlement/complete.
// Action is "complete" or "fail".
type SettlementActionRequest struct {
	OrderId string `json:"order_id"`
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
