package custody

import (
	"context"

	"bullion-custody-go/internal/custody/storage"
	"bullion-custody-go/internal/ledger"
	"bullion-custody-go/internal/models"

	"github.com/shopspring/decimal"
)

// VaultBalance computes a vault's spendable balance for an asset: the
// capital ledger's non-reversed position minus every outbound custody
// transaction that has not failed. Pending withdrawals reduce the
// spendable amount immediately so a second withdrawal cannot spend the
// same funds while the first is in flight. Clamped at zero.
func VaultBalance(ctx context.Context, st *storage.Service, led ledger.Ledger, vaultId, asset string) (decimal.Decimal, error) {
	balance, err := led.Balance(ctx, vaultId, asset)
	if err != nil {
		return decimal.Zero, err
	}

	outbound, err := st.GetTransactions(ctx, vaultId, storage.TransactionFilter{Direction: models.DirectionOut})
	if err != nil {
		return decimal.Zero, err
	}
	for _, tx := range outbound {
		if tx.Asset != asset || tx.Status == models.TxFailed {
			continue
		}
		balance = balance.Sub(tx.Amount)
	}

	if balance.IsNegative() {
		return decimal.Zero, nil
	}
	return balance, nil
}
