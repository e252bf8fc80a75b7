package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VaultStatus is the lifecycle state of a custody vault.
type VaultStatus string

const (
	VaultCreating  VaultStatus = "creating"
	VaultActive    VaultStatus = "active"
	VaultSuspended VaultStatus = "suspended"
	VaultClosed    VaultStatus = "closed"
)

// Vault is a custody provider's container for one user's assets.
// At most one active vault exists per (owner, provider); vaults are
// never deleted, only closed.
type Vault struct {
	Id          string      `json:"id"`
	OwnerUserId string      `json:"owner_user_id"`
	Provider    string      `json:"provider"`
	Status      VaultStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// DepositAddress is a provider-issued address scoped to one
// (vault, asset, network) tuple. Immutable after creation.
type DepositAddress struct {
	Address   string    `json:"address"`
	Asset     string    `json:"asset"`
	Network   string    `json:"network"`
	VaultId   string    `json:"vault_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TransactionDirection distinguishes deposits from withdrawals.
type TransactionDirection string

const (
	DirectionIn  TransactionDirection = "in"
	DirectionOut TransactionDirection = "out"
)

// TransactionStatus is the confirmation state of a custody transaction.
// Transitions are monotonic: pending -> confirming -> confirmed|failed.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxConfirming TransactionStatus = "confirming"
	TxConfirmed  TransactionStatus = "confirmed"
	TxFailed     TransactionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TransactionStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// CustodyTransaction is one external on-chain movement observed by the
// custody provider. Id is provider-assigned.
type CustodyTransaction struct {
	Id                    string               `json:"id"`
	VaultId               string               `json:"vault_id"`
	Asset                 string               `json:"asset"`
	Network               string               `json:"network"`
	Direction             TransactionDirection `json:"direction"`
	Amount                decimal.Decimal      `json:"amount"`
	Confirmations         int                  `json:"confirmations"`
	RequiredConfirmations int                  `json:"required_confirmations"`
	Status                TransactionStatus    `json:"status"`
	PayloadHash           string               `json:"payload_hash"`
	Destination           string               `json:"destination,omitempty"`
	ObservedAt            time.Time            `json:"observed_at"`
	ConfirmedAt           *time.Time           `json:"confirmed_at,omitempty"`
}
