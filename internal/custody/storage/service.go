package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/models"

	"go.uber.org/zap"
)

// Sentinel errors for the vault and transaction storage layer.
var (
	ErrVaultNotFound       = errors.New("vault not found")
	ErrVaultExists         = errors.New("active vault already exists for owner")
	ErrAddressExists       = errors.New("deposit address already allocated")
	ErrTransactionNotFound = errors.New("custody transaction not found")
)

// State store namespaces for custody entities.
const (
	nsVault        = "vault"              // vaultId -> vault
	nsVaultByOwner = "vault_by_owner"     // provider/ownerUserId -> vaultId
	nsAddress      = "deposit_address"    // vaultId/asset/network -> address
	nsAddressOwner = "address_owner"      // address string -> vaultId
	nsTx           = "custody_tx"         // provider txId -> transaction
	nsTxByVault    = "custody_tx_by_vault" // vaultId/txId -> txId
)

// TransactionFilter narrows GetTransactions results. Zero values match
// everything; Offset and Limit page through the matches after the
// filters are applied.
type TransactionFilter struct {
	Direction models.TransactionDirection
	Status    models.TransactionStatus
	Offset    int
	Limit     int
}

// Service is the data-access layer for vaults, deposit addresses and
// custody transactions. All writes go through the state store's
// conditional primitives so racing webhook deliveries and balance
// queries cannot lose updates.
type Service struct {
	kv *kvstore.Store
}

func NewService(kv *kvstore.Store) *Service {
	return &Service{kv: kv}
}

// CreateVault records a vault and its owner index. The owner index is
// what enforces at most one active vault per (owner, provider).
func (s *Service) CreateVault(ctx context.Context, vault *models.Vault) error {
	ownerKey := vault.Provider + "/" + vault.OwnerUserId
	if err := s.kv.Create(ctx, nsVaultByOwner, ownerKey, []byte(vault.Id)); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			return fmt.Errorf("%w: %s", ErrVaultExists, ownerKey)
		}
		return err
	}

	value, err := json.Marshal(vault)
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}
	if err := s.kv.Create(ctx, nsVault, vault.Id, value); err != nil {
		return fmt.Errorf("failed to record vault: %w", err)
	}

	zap.L().Info("Vault recorded",
		zap.String("vault_id", vault.Id),
		zap.String("owner_user_id", vault.OwnerUserId),
		zap.String("provider", vault.Provider))
	return nil
}

func (s *Service) GetVault(ctx context.Context, vaultId string) (*models.Vault, error) {
	rec, err := s.kv.Get(ctx, nsVault, vaultId)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultId)
	}
	if err != nil {
		return nil, err
	}
	var vault models.Vault
	if err := json.Unmarshal(rec.Value, &vault); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vault %s: %w", vaultId, err)
	}
	return &vault, nil
}

// GetVaultByUserId resolves the owner's vault for a provider.
func (s *Service) GetVaultByUserId(ctx context.Context, provider, ownerUserId string) (*models.Vault, error) {
	rec, err := s.kv.Get(ctx, nsVaultByOwner, provider+"/"+ownerUserId)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: owner %s", ErrVaultNotFound, ownerUserId)
	}
	if err != nil {
		return nil, err
	}
	return s.GetVault(ctx, string(rec.Value))
}

// SetVaultStatus transitions a vault's lifecycle state with a
// conditional write. Vaults are never deleted, only closed.
func (s *Service) SetVaultStatus(ctx context.Context, vaultId string, status models.VaultStatus) (*models.Vault, error) {
	for {
		rec, err := s.kv.Get(ctx, nsVault, vaultId)
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, vaultId)
		}
		if err != nil {
			return nil, err
		}
		var vault models.Vault
		if err := json.Unmarshal(rec.Value, &vault); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vault %s: %w", vaultId, err)
		}
		if vault.Status == status {
			return &vault, nil
		}
		vault.Status = status

		value, err := json.Marshal(&vault)
		if err != nil {
			return nil, err
		}
		err = s.kv.Update(ctx, nsVault, vaultId, value, rec.Version)
		if err == nil {
			return &vault, nil
		}
		if !errors.Is(err, kvstore.ErrVersionConflict) {
			return nil, err
		}
	}
}

// ListVaults returns every vault in the store.
func (s *Service) ListVaults(ctx context.Context) ([]models.Vault, error) {
	records, err := s.kv.List(ctx, nsVault, "")
	if err != nil {
		return nil, err
	}
	vaults := make([]models.Vault, 0, len(records))
	for _, rec := range records {
		var vault models.Vault
		if err := json.Unmarshal(rec.Value, &vault); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vault %s: %w", rec.Key, err)
		}
		vaults = append(vaults, vault)
	}
	return vaults, nil
}

// CreateDepositAddress stores an address under its (vault, asset,
// network) tuple and reserves the address string globally. A colliding
// address string anywhere in the store is rejected.
func (s *Service) CreateDepositAddress(ctx context.Context, addr *models.DepositAddress) error {
	if err := s.kv.Create(ctx, nsAddressOwner, addr.Address, []byte(addr.VaultId)); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			return fmt.Errorf("%w: %s", ErrAddressExists, addr.Address)
		}
		return err
	}

	value, err := json.Marshal(addr)
	if err != nil {
		return fmt.Errorf("failed to marshal deposit address: %w", err)
	}
	tupleKey := addr.VaultId + "/" + addr.Asset + "/" + addr.Network
	if err := s.kv.Create(ctx, nsAddress, tupleKey, value); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			return fmt.Errorf("%w: tuple %s", ErrAddressExists, tupleKey)
		}
		return err
	}

	zap.L().Info("Deposit address recorded",
		zap.String("vault_id", addr.VaultId),
		zap.String("asset", addr.Asset),
		zap.String("network", addr.Network),
		zap.String("address", addr.Address))
	return nil
}

// GetDepositAddress returns the address for one (vault, asset, network)
// tuple, or nil when none has been allocated yet.
func (s *Service) GetDepositAddress(ctx context.Context, vaultId, asset, network string) (*models.DepositAddress, error) {
	rec, err := s.kv.Get(ctx, nsAddress, vaultId+"/"+asset+"/"+network)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var addr models.DepositAddress
	if err := json.Unmarshal(rec.Value, &addr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deposit address: %w", err)
	}
	return &addr, nil
}

// GetDepositAddresses lists every address allocated to a vault.
func (s *Service) GetDepositAddresses(ctx context.Context, vaultId string) ([]models.DepositAddress, error) {
	records, err := s.kv.List(ctx, nsAddress, vaultId+"/")
	if err != nil {
		return nil, err
	}
	addresses := make([]models.DepositAddress, 0, len(records))
	for _, rec := range records {
		var addr models.DepositAddress
		if err := json.Unmarshal(rec.Value, &addr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deposit address %s: %w", rec.Key, err)
		}
		addresses = append(addresses, addr)
	}
	return addresses, nil
}

// FindVaultByAddress resolves the vault owning a deposit address.
func (s *Service) FindVaultByAddress(ctx context.Context, address string) (*models.Vault, error) {
	rec, err := s.kv.Get(ctx, nsAddressOwner, address)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: no vault for address %s", ErrVaultNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	return s.GetVault(ctx, string(rec.Value))
}

func (s *Service) GetTransaction(ctx context.Context, txId string) (*models.CustodyTransaction, error) {
	rec, err := s.kv.Get(ctx, nsTx, txId)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txId)
	}
	if err != nil {
		return nil, err
	}
	var tx models.CustodyTransaction
	if err := json.Unmarshal(rec.Value, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction %s: %w", txId, err)
	}
	return &tx, nil
}

// GetTransactions lists a vault's transactions, newest observation
// last, optionally filtered.
func (s *Service) GetTransactions(ctx context.Context, vaultId string, filter TransactionFilter) ([]models.CustodyTransaction, error) {
	records, err := s.kv.List(ctx, nsTxByVault, vaultId+"/")
	if err != nil {
		return nil, err
	}

	var transactions []models.CustodyTransaction
	for _, rec := range records {
		tx, err := s.GetTransaction(ctx, string(rec.Value))
		if err != nil {
			return nil, err
		}
		if filter.Direction != "" && tx.Direction != filter.Direction {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		transactions = append(transactions, *tx)
	}
	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].ObservedAt.Before(transactions[j].ObservedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(transactions) {
			return nil, nil
		}
		transactions = transactions[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(transactions) {
		transactions = transactions[:filter.Limit]
	}
	return transactions, nil
}

// UpsertTransaction applies an observed transaction state, idempotent
// on the provider transaction id. Status moves monotonically through
// pending -> confirming -> confirmed|failed and never regresses from a
// terminal state; confirmation counts never decrease. Returns the
// stored state after the write is accepted.
func (s *Service) UpsertTransaction(ctx context.Context, incoming *models.CustodyTransaction) (*models.CustodyTransaction, error) {
	for {
		rec, err := s.kv.Get(ctx, nsTx, incoming.Id)
		if errors.Is(err, kvstore.ErrNotFound) {
			created, cerr := s.createTransaction(ctx, incoming)
			if errors.Is(cerr, kvstore.ErrKeyExists) {
				continue // lost the insert race, merge instead
			}
			if cerr != nil {
				return nil, cerr
			}
			return created, nil
		}
		if err != nil {
			return nil, err
		}

		var existing models.CustodyTransaction
		if err := json.Unmarshal(rec.Value, &existing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction %s: %w", incoming.Id, err)
		}
		if existing.Status.Terminal() {
			return &existing, nil
		}

		merged := mergeTransaction(&existing, incoming)
		value, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transaction: %w", err)
		}
		err = s.kv.Update(ctx, nsTx, incoming.Id, value, rec.Version)
		if err == nil {
			return merged, nil
		}
		if !errors.Is(err, kvstore.ErrVersionConflict) {
			return nil, err
		}
		// Another delivery won the conditional write; apply on top of
		// whatever it left behind.
	}
}

func (s *Service) createTransaction(ctx context.Context, tx *models.CustodyTransaction) (*models.CustodyTransaction, error) {
	stored := *tx
	if stored.Status == models.TxConfirmed && stored.ConfirmedAt == nil {
		now := stored.ObservedAt
		stored.ConfirmedAt = &now
	}
	value, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if err := s.kv.Create(ctx, nsTx, stored.Id, value); err != nil {
		return nil, err
	}
	if err := s.kv.Create(ctx, nsTxByVault, stored.VaultId+"/"+stored.Id, []byte(stored.Id)); err != nil && !errors.Is(err, kvstore.ErrKeyExists) {
		return nil, err
	}
	return &stored, nil
}

var statusRank = map[models.TransactionStatus]int{
	models.TxPending:    0,
	models.TxConfirming: 1,
	models.TxConfirmed:  2,
	models.TxFailed:     2,
}

func mergeTransaction(existing, incoming *models.CustodyTransaction) *models.CustodyTransaction {
	merged := *existing
	if incoming.Confirmations > merged.Confirmations {
		merged.Confirmations = incoming.Confirmations
	}
	if statusRank[incoming.Status] > statusRank[merged.Status] {
		merged.Status = incoming.Status
	}
	if merged.Status == models.TxConfirmed && merged.ConfirmedAt == nil {
		at := incoming.ObservedAt
		merged.ConfirmedAt = &at
	}
	if incoming.PayloadHash != "" {
		merged.PayloadHash = incoming.PayloadHash
	}
	return &merged
}
