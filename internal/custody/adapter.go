package custody

import (
	"context"
	"errors"

	"bullion-custody-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced by every adapter implementation.
var (
	ErrUnsupportedAssetNetwork = errors.New("unsupported asset/network pair")
	ErrInsufficientBalance     = errors.New("insufficient confirmed balance")
	ErrInvalidDestination      = errors.New("invalid destination address")
	ErrInvalidSignature        = errors.New("invalid webhook signature")
	ErrMalformedPayload        = errors.New("malformed webhook payload")
	ErrProviderUnavailable     = errors.New("custody provider unavailable")
	ErrUnknownProvider         = errors.New("unknown custody provider")
)

// WithdrawalParams describes one outbound transfer request.
type WithdrawalParams struct {
	VaultId     string
	Asset       string
	Network     string
	Amount      decimal.Decimal
	Destination string
}

// Adapter is the capability contract every custody provider backend
// must satisfy. Implementations are constructed once at startup and
// selected through the Registry; callers never type-check capability
// at runtime.
type Adapter interface {
	// Name returns the provider identifier this adapter serves.
	Name() string

	// CreateVault returns the existing active vault for the owner if
	// one exists, otherwise provisions a new one. Idempotent.
	CreateVault(ctx context.Context, ownerUserId string) (*models.Vault, error)

	// GetDepositAddress allocates an address on first call per
	// (vault, asset, network) and returns the existing one thereafter.
	GetDepositAddress(ctx context.Context, vaultId, asset, network string) (*models.DepositAddress, error)

	// CreateWithdrawal submits an outbound transfer. Fails with
	// ErrInsufficientBalance or ErrInvalidDestination before any
	// provider call is made.
	CreateWithdrawal(ctx context.Context, params WithdrawalParams) (*models.CustodyTransaction, error)

	// GetBalance returns the vault's spendable balance for an asset:
	// settled ledger credits net of debits, minus outbound custody
	// transactions. Never negative.
	GetBalance(ctx context.Context, vaultId, asset string) (decimal.Decimal, error)

	// VerifyWebhookSignature checks the provider signature over the
	// raw callback body using a constant-time comparison.
	VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool

	// ParseWebhookEvent decodes a callback body into a WebhookEvent,
	// rejecting unknown kinds with ErrMalformedPayload.
	ParseWebhookEvent(rawBody []byte) (*models.WebhookEvent, error)
}
