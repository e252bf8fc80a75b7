package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"bullion-custody-go/internal/custody"
	"bullion-custody-go/internal/custody/storage"
	"bullion-custody-go/internal/ledger"
	"bullion-custody-go/internal/models"

	"go.uber.org/zap"
)

// ErrUnresolvableVault means the event carried neither a known vault id
// nor a known deposit address. The delivery is rejected so the provider
// retries it; the vault may simply not be recorded yet.
var ErrUnresolvableVault = errors.New("webhook event does not resolve to a vault")

// Service turns provider webhook deliveries into custody transaction
// state and capital ledger credits. Deliveries are at-least-once;
// every step is idempotent so replays and out-of-order arrivals
// converge on the same final state.
type Service struct {
	registry *custody.Registry
	storage  *storage.Service
	ledger   ledger.Ledger
	matrix   *custody.AssetMatrix
}

func NewService(registry *custody.Registry, st *storage.Service, led ledger.Ledger, matrix *custody.AssetMatrix) *Service {
	return &Service{registry: registry, storage: st, ledger: led, matrix: matrix}
}

// Process handles one raw webhook delivery. The signature is checked
// before the body is parsed; a delivery failing either check is the
// caller's 4xx, everything after is applied idempotently and returns
// the transaction state after this delivery.
func (s *Service) Process(ctx context.Context, provider string, rawBody []byte, signature string) (*models.CustodyTransaction, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	if !adapter.VerifyWebhookSignature(rawBody, signature) {
		return nil, custody.ErrInvalidSignature
	}
	event, err := adapter.ParseWebhookEvent(rawBody)
	if err != nil {
		return nil, err
	}
	if !s.matrix.Supported(event.Asset, event.Network) {
		return nil, fmt.Errorf("%w: %s on %s", custody.ErrUnsupportedAssetNetwork, event.Asset, event.Network)
	}

	hash := sha256.Sum256(rawBody)
	payloadHash := hex.EncodeToString(hash[:])

	vaultId, err := s.resolveVault(ctx, event)
	if err != nil {
		return nil, err
	}

	incoming := s.buildTransaction(event, provider, vaultId, payloadHash)

	// Byte-identical replay of a delivery that already drove the
	// transaction terminal: skip the write, but still fall through to
	// the ledger steps. A prior delivery may have recorded the
	// transaction and then died before crediting.
	var stored *models.CustodyTransaction
	existing, err := s.storage.GetTransaction(ctx, event.TransactionId)
	switch {
	case err == nil && existing.Status.Terminal() && existing.PayloadHash == payloadHash:
		stored = existing
		zap.L().Debug("Replayed webhook delivery",
			zap.String("provider", provider),
			zap.String("transaction_id", event.TransactionId))
	case err != nil && !errors.Is(err, storage.ErrTransactionNotFound):
		return nil, err
	default:
		stored, err = s.storage.UpsertTransaction(ctx, incoming)
		if err != nil {
			return nil, err
		}
		zap.L().Info("Webhook delivery applied",
			zap.String("provider", provider),
			zap.String("transaction_id", stored.Id),
			zap.String("vault_id", stored.VaultId),
			zap.String("direction", string(stored.Direction)),
			zap.String("status", string(stored.Status)),
			zap.Int("confirmations", stored.Confirmations))
	}

	switch {
	case stored.Status == models.TxConfirmed && stored.Direction == models.DirectionIn:
		if err := s.creditDeposit(ctx, stored); err != nil {
			return nil, err
		}
	case stored.Status == models.TxFailed:
		if err := s.reverseCredit(ctx, stored); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

// resolveVault finds the vault an event belongs to: explicit vault id,
// then deposit address lookup, then a previously recorded transaction
// with the same provider id (withdrawals initiated by us).
func (s *Service) resolveVault(ctx context.Context, event *models.WebhookEvent) (string, error) {
	if event.VaultId != "" {
		vault, err := s.storage.GetVault(ctx, event.VaultId)
		if errors.Is(err, storage.ErrVaultNotFound) {
			return "", fmt.Errorf("%w: vault %s", ErrUnresolvableVault, event.VaultId)
		}
		if err != nil {
			return "", err
		}
		return vault.Id, nil
	}

	if event.Address != "" {
		vault, err := s.storage.FindVaultByAddress(ctx, event.Address)
		if err == nil {
			return vault.Id, nil
		}
		if !errors.Is(err, storage.ErrVaultNotFound) {
			return "", err
		}
	}

	tx, err := s.storage.GetTransaction(ctx, event.TransactionId)
	if err == nil {
		return tx.VaultId, nil
	}
	if !errors.Is(err, storage.ErrTransactionNotFound) {
		return "", err
	}
	return "", fmt.Errorf("%w: transaction %s", ErrUnresolvableVault, event.TransactionId)
}

func (s *Service) buildTransaction(event *models.WebhookEvent, provider, vaultId, payloadHash string) *models.CustodyTransaction {
	direction := models.DirectionIn
	if event.Kind == models.EventWithdrawal {
		direction = models.DirectionOut
	}

	required := s.matrix.RequiredConfirmations(event.Asset, event.Network)
	status := models.TxPending
	switch {
	case event.Failed:
		status = models.TxFailed
	case event.Confirmations >= required:
		status = models.TxConfirmed
	case event.Confirmations > 0:
		status = models.TxConfirming
	}

	observedAt := event.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	return &models.CustodyTransaction{
		Id:                    event.TransactionId,
		VaultId:               vaultId,
		Asset:                 event.Asset,
		Network:               event.Network,
		Direction:             direction,
		Amount:                event.Amount,
		Confirmations:         event.Confirmations,
		RequiredConfirmations: required,
		Status:                status,
		PayloadHash:           payloadHash,
		ObservedAt:            observedAt,
	}
}

// creditDeposit appends the custody credit for a confirmed deposit.
// The ledger's source index makes this exactly-once no matter how many
// confirmed deliveries arrive.
func (s *Service) creditDeposit(ctx context.Context, tx *models.CustodyTransaction) error {
	settledAt := tx.ObservedAt
	if tx.ConfirmedAt != nil {
		settledAt = *tx.ConfirmedAt
	}
	entry, created, err := s.ledger.Append(ctx, &models.CapitalEntry{
		VaultId:             tx.VaultId,
		Kind:                models.EntryCustodyCredit,
		Amount:              tx.Amount,
		Asset:               tx.Asset,
		Status:              models.EntrySettled,
		SourceTransactionId: tx.Id,
		SettledAt:           &settledAt,
	})
	if err != nil {
		return fmt.Errorf("failed to credit deposit %s: %w", tx.Id, err)
	}
	if created {
		zap.L().Info("Deposit credited",
			zap.String("entry_id", entry.Id),
			zap.String("vault_id", tx.VaultId),
			zap.String("transaction_id", tx.Id),
			zap.String("asset", tx.Asset),
			zap.String("amount", tx.Amount.String()))
	}
	return nil
}

// reverseCredit undoes a credit whose transaction later failed. Most
// failed transactions never got credited, so a missing entry is the
// normal case; an already-reversed entry means a prior delivery did
// this work.
func (s *Service) reverseCredit(ctx context.Context, tx *models.CustodyTransaction) error {
	entry, err := s.ledger.FindBySource(ctx, ledger.SourcePrefixTransaction+tx.Id)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.ledger.Reverse(ctx, entry.Id, "transaction "+tx.Id+" failed")
	if errors.Is(err, ledger.ErrAlreadyReversed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reverse credit for %s: %w", tx.Id, err)
	}

	zap.L().Warn("Credit reversed after transaction failure",
		zap.String("entry_id", entry.Id),
		zap.String("vault_id", tx.VaultId),
		zap.String("transaction_id", tx.Id))
	return nil
}
