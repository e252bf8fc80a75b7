package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WebhookEventKind discriminates provider callback payloads. Unknown
// kinds are rejected as malformed rather than parsed best-effort.
type WebhookEventKind string

const (
	EventDeposit    WebhookEventKind = "deposit"
	EventWithdrawal WebhookEventKind = "withdrawal"
)

// WebhookEvent is the parsed form of one provider callback notification.
// TransactionId is the provider-assigned transaction id. VaultId may be
// empty for deposit events; the vault is then resolved by Address.
type WebhookEvent struct {
	Kind          WebhookEventKind `json:"kind"`
	TransactionId string           `json:"transaction_id"`
	VaultId       string           `json:"vault_id,omitempty"`
	Address       string           `json:"address,omitempty"`
	Asset         string           `json:"asset"`
	Network       string           `json:"network"`
	Amount        decimal.Decimal  `json:"amount"`
	Confirmations int              `json:"confirmations"`
	Failed        bool             `json:"failed,omitempty"`
	ObservedAt    time.Time        `json:"observed_at"`
}
