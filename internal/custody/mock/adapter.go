package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bullion-custody-go/internal/custody"
	"bullion-custody-go/internal/custody/storage"
	"bullion-custody-go/internal/ledger"
	"bullion-custody-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const ProviderName = "mock"

// Compile-time check: *Adapter must satisfy custody.Adapter.
var _ custody.Adapter = (*Adapter)(nil)

// Adapter is the deterministic, synchronous custody backend used for
// tests and local development. Deposit addresses derive from the
// (vault, asset, network) tuple and withdrawals settle instantly, so
// the rest of the pipeline can be exercised without a live provider.
type Adapter struct {
	storage *storage.Service
	ledger  ledger.Ledger
	matrix  *custody.AssetMatrix
	secret  []byte
}

func NewAdapter(st *storage.Service, led ledger.Ledger, matrix *custody.AssetMatrix, webhookSecret string) *Adapter {
	return &Adapter{
		storage: st,
		ledger:  led,
		matrix:  matrix,
		secret:  []byte(webhookSecret),
	}
}

func (a *Adapter) Name() string { return ProviderName }

func (a *Adapter) CreateVault(ctx context.Context, ownerUserId string) (*models.Vault, error) {
	existing, err := a.storage.GetVaultByUserId(ctx, ProviderName, ownerUserId)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrVaultNotFound) {
		return nil, err
	}

	vault := &models.Vault{
		Id:          uuid.New().String(),
		OwnerUserId: ownerUserId,
		Provider:    ProviderName,
		Status:      models.VaultActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.storage.CreateVault(ctx, vault); err != nil {
		if errors.Is(err, storage.ErrVaultExists) {
			// Lost a concurrent creation race; the winner's vault is it.
			return a.storage.GetVaultByUserId(ctx, ProviderName, ownerUserId)
		}
		return nil, err
	}
	return vault, nil
}

func (a *Adapter) GetDepositAddress(ctx context.Context, vaultId, asset, network string) (*models.DepositAddress, error) {
	if !a.matrix.Supported(asset, network) {
		return nil, fmt.Errorf("%w: %s on %s", custody.ErrUnsupportedAssetNetwork, asset, network)
	}
	if _, err := a.storage.GetVault(ctx, vaultId); err != nil {
		return nil, err
	}

	existing, err := a.storage.GetDepositAddress(ctx, vaultId, asset, network)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	addr := &models.DepositAddress{
		Address:   deriveAddress(vaultId, asset, network),
		Asset:     asset,
		Network:   network,
		VaultId:   vaultId,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.storage.CreateDepositAddress(ctx, addr); err != nil {
		if errors.Is(err, storage.ErrAddressExists) {
			return a.storage.GetDepositAddress(ctx, vaultId, asset, network)
		}
		return nil, err
	}
	return addr, nil
}

// deriveAddress produces the same address for the same tuple on every
// call, which is what makes mock runs reproducible.
func deriveAddress(vaultId, asset, network string) string {
	sum := sha256.Sum256([]byte(vaultId + "|" + asset + "|" + network))
	return "mock1" + hex.EncodeToString(sum[:])[:38]
}

func (a *Adapter) CreateWithdrawal(ctx context.Context, params custody.WithdrawalParams) (*models.CustodyTransaction, error) {
	if !a.matrix.Supported(params.Asset, params.Network) {
		return nil, fmt.Errorf("%w: %s on %s", custody.ErrUnsupportedAssetNetwork, params.Asset, params.Network)
	}
	if !a.matrix.ValidDestination(params.Asset, params.Network, params.Destination) {
		return nil, fmt.Errorf("%w: %s", custody.ErrInvalidDestination, params.Destination)
	}

	balance, err := a.GetBalance(ctx, params.VaultId, params.Asset)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(params.Amount) {
		return nil, fmt.Errorf("%w: have %s, want %s %s",
			custody.ErrInsufficientBalance, balance.String(), params.Amount.String(), params.Asset)
	}

	// Instant settlement: the mock provider confirms in the same call.
	now := time.Now().UTC()
	tx := &models.CustodyTransaction{
		Id:                    "mock-wd-" + uuid.New().String(),
		VaultId:               params.VaultId,
		Asset:                 params.Asset,
		Network:               params.Network,
		Direction:             models.DirectionOut,
		Amount:                params.Amount,
		Confirmations:         a.matrix.RequiredConfirmations(params.Asset, params.Network),
		RequiredConfirmations: a.matrix.RequiredConfirmations(params.Asset, params.Network),
		Status:                models.TxConfirmed,
		Destination:           params.Destination,
		ObservedAt:            now,
		ConfirmedAt:           &now,
	}
	stored, err := a.storage.UpsertTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Mock withdrawal settled",
		zap.String("vault_id", params.VaultId),
		zap.String("asset", params.Asset),
		zap.String("amount", params.Amount.String()),
		zap.String("destination", params.Destination))
	return stored, nil
}

func (a *Adapter) GetBalance(ctx context.Context, vaultId, asset string) (decimal.Decimal, error) {
	return custody.VaultBalance(ctx, a.storage, a.ledger, vaultId, asset)
}

func (a *Adapter) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	return custody.VerifySignature(a.secret, rawBody, signatureHeader)
}

// SignPayload produces the signature header a test delivery should
// carry. The mock provider signs the way it verifies.
func (a *Adapter) SignPayload(rawBody []byte) string {
	return custody.SignPayload(a.secret, rawBody)
}

func (a *Adapter) ParseWebhookEvent(rawBody []byte) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", custody.ErrMalformedPayload, err)
	}
	switch event.Kind {
	case models.EventDeposit, models.EventWithdrawal:
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", custody.ErrMalformedPayload, event.Kind)
	}
	if event.TransactionId == "" || event.Asset == "" || event.Network == "" {
		return nil, fmt.Errorf("%w: missing required fields", custody.ErrMalformedPayload)
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = time.Now().UTC()
	}
	return &event, nil
}
