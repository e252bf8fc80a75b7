package prime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"bullion-custody-go/internal/custody"
	"bullion-custody-go/internal/custody/storage"
	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/ledger"
	"bullion-custody-go/internal/models"

	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/portfolios"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/coinbase-samples/prime-sdk-go/wallets"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const ProviderName = "prime"

// nsWallet maps vaultId/asset to the provider wallet backing it.
const nsWallet = "prime_wallet"

// Compile-time check: *Adapter must satisfy custody.Adapter.
var _ custody.Adapter = (*Adapter)(nil)

// Adapter talks to Coinbase Prime over signed HTTPS. A vault is a
// logical grouping of per-asset Prime wallets; provider wallet ids are
// tracked in the state store so address allocation and withdrawals can
// find them again.
type Adapter struct {
	portfoliosSvc   portfolios.PortfoliosService
	walletsSvc      wallets.WalletsService
	transactionsSvc transactions.TransactionsService
	portfolioId     string

	kv      *kvstore.Store
	storage *storage.Service
	ledger  ledger.Ledger
	matrix  *custody.AssetMatrix
	secret  []byte
}

func NewAdapter(ctx context.Context, creds *credentials.Credentials, kv *kvstore.Store, st *storage.Service, led ledger.Ledger, matrix *custody.AssetMatrix, webhookSecret string) (*Adapter, error) {
	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}
	restClient := client.NewRestClient(creds, httpClient)

	a := &Adapter{
		portfoliosSvc:   portfolios.NewPortfoliosService(restClient),
		walletsSvc:      wallets.NewWalletsService(restClient),
		transactionsSvc: transactions.NewTransactionsService(restClient),
		kv:              kv,
		storage:         st,
		ledger:          led,
		matrix:          matrix,
		secret:          []byte(webhookSecret),
	}

	portfolio, err := a.findDefaultPortfolio(ctx)
	if err != nil {
		return nil, err
	}
	a.portfolioId = portfolio.Id
	zap.L().Info("Using Prime portfolio",
		zap.String("name", portfolio.Name),
		zap.String("id", portfolio.Id))
	return a, nil
}

func createCustomHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}
	return http.Client{Transport: tr, Timeout: 60 * time.Second}, nil
}

func (a *Adapter) Name() string { return ProviderName }

type primePortfolio struct {
	Id   string
	Name string
}

func (a *Adapter) findDefaultPortfolio(ctx context.Context) (*primePortfolio, error) {
	var response *portfolios.ListPortfoliosResponse
	err := retryRead(ctx, func() error {
		var rerr error
		response, rerr = a.portfoliosSvc.ListPortfolios(ctx, &portfolios.ListPortfoliosRequest{})
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list portfolios: %w", err)
	}
	for _, p := range response.Portfolios {
		if p.Name == "Default Portfolio" {
			return &primePortfolio{Id: p.Id, Name: p.Name}, nil
		}
	}
	return nil, fmt.Errorf("default portfolio not found")
}

func (a *Adapter) CreateVault(ctx context.Context, ownerUserId string) (*models.Vault, error) {
	existing, err := a.storage.GetVaultByUserId(ctx, ProviderName, ownerUserId)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrVaultNotFound) {
		return nil, err
	}

	// Provider wallets are provisioned lazily per asset on the first
	// deposit-address request; the vault record itself is local.
	vault := &models.Vault{
		Id:          uuid.New().String(),
		OwnerUserId: ownerUserId,
		Provider:    ProviderName,
		Status:      models.VaultActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.storage.CreateVault(ctx, vault); err != nil {
		if errors.Is(err, storage.ErrVaultExists) {
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

	walletId, err := a.ensureWallet(ctx, vaultId, asset)
	if err != nil {
		return nil, err
	}

	response, err := a.walletsSvc.CreateWalletAddress(ctx, &wallets.CreateWalletAddressRequest{
		PortfolioId: a.portfolioId,
		WalletId:    walletId,
		NetworkId:   network,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create wallet address: %v", custody.ErrProviderUnavailable, err)
	}

	addr := &models.DepositAddress{
		Address:   response.Address,
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

// ensureWallet returns the provider wallet backing (vault, asset),
// creating one on first use.
func (a *Adapter) ensureWallet(ctx context.Context, vaultId, asset string) (string, error) {
	mappingKey := vaultId + "/" + asset
	if rec, err := a.kv.Get(ctx, nsWallet, mappingKey); err == nil {
		return string(rec.Value), nil
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return "", err
	}

	response, err := a.walletsSvc.CreateWallet(ctx, &wallets.CreateWalletRequest{
		PortfolioId:    a.portfolioId,
		Name:           "vault-" + vaultId + "-" + asset,
		Symbol:         asset,
		Type:           "VAULT",
		IdempotencyKey: uuid.New().String(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: unable to create wallet: %v", custody.ErrProviderUnavailable, err)
	}

	walletId := response.ActivityId
	if err := a.kv.Create(ctx, nsWallet, mappingKey, []byte(walletId)); err != nil {
		if errors.Is(err, kvstore.ErrKeyExists) {
			rec, gerr := a.kv.Get(ctx, nsWallet, mappingKey)
			if gerr != nil {
				return "", gerr
			}
			return string(rec.Value), nil
		}
		return "", err
	}
	return walletId, nil
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

	rec, err := a.kv.Get(ctx, nsWallet, params.VaultId+"/"+params.Asset)
	if err != nil {
		return nil, fmt.Errorf("no provider wallet for vault %s asset %s: %w", params.VaultId, params.Asset, err)
	}
	walletId := string(rec.Value)

	// Withdrawal creation is never blindly retried: a duplicate
	// submission risks a duplicate payout. The idempotency key lets
	// the operator resubmit safely after an ambiguous failure.
	idempotencyKey := uuid.New().String()
	response, err := a.transactionsSvc.CreateWalletWithdrawal(ctx, &transactions.CreateWalletWithdrawalRequest{
		PortfolioId:     a.portfolioId,
		SourceWalletId:  walletId,
		Amount:          params.Amount.String(),
		IdempotencyKey:  idempotencyKey,
		Symbol:          params.Asset,
		DestinationType: "DESTINATION_BLOCKCHAIN",
		BlockchainAddress: &model.BlockchainAddress{
			Address: params.Destination,
		},
	})
	if err != nil {
		zap.L().Error("Failed to create withdrawal",
			zap.String("vault_id", params.VaultId),
			zap.String("asset", params.Asset),
			zap.String("amount", params.Amount.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: unable to create withdrawal: %v", custody.ErrProviderUnavailable, err)
	}

	tx := &models.CustodyTransaction{
		Id:                    response.ActivityId,
		VaultId:               params.VaultId,
		Asset:                 params.Asset,
		Network:               params.Network,
		Direction:             models.DirectionOut,
		Amount:                params.Amount,
		RequiredConfirmations: a.matrix.RequiredConfirmations(params.Asset, params.Network),
		Status:                models.TxPending,
		Destination:           params.Destination,
		ObservedAt:            time.Now().UTC(),
	}
	stored, err := a.storage.UpsertTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Withdrawal submitted to Prime",
		zap.String("activity_id", response.ActivityId),
		zap.String("vault_id", params.VaultId),
		zap.String("asset", params.Asset),
		zap.String("amount", params.Amount.String()))
	return stored, nil
}

func (a *Adapter) GetBalance(ctx context.Context, vaultId, asset string) (decimal.Decimal, error) {
	return custody.VaultBalance(ctx, a.storage, a.ledger, vaultId, asset)
}

func (a *Adapter) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	return custody.VerifySignature(a.secret, rawBody, signatureHeader)
}

// retryRead retries an idempotent provider read with capped backoff.
// Writes never go through here.
func retryRead(ctx context.Context, fn func() error) error {
	const attempts = 3
	backoff := 250 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", custody.ErrProviderUnavailable, err)
}
