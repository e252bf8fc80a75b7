package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/ledger"
	"bullion-custody-go/internal/models"
	"bullion-custody-go/internal/pricing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State store namespaces for settlement orders.
const (
	nsOrder        = "settlement_order"
	nsOrderByQuote = "settlement_order_by_quote" // quote id -> order id
)

// one hundred, used to turn a spread percentage into a multiplier.
var hundred = decimal.NewFromInt(100)

// Sentinel errors for settlement operations.
var (
	ErrOrderNotFound          = errors.New("settlement order not found")
	ErrInvalidTransition      = errors.New("invalid settlement status transition")
	ErrInvalidSettlementOrder = errors.New("invalid settlement order")
	ErrQuoteNotExecutable     = errors.New("quote is not an executed sell quote")
	ErrQuoteAlreadySettled    = errors.New("quote already consumed by a settlement order")
)

// Params describes one settlement request.
type Params struct {
	AccountId string
	Asset     string
	Grams     decimal.Decimal
	Rail      string
}

// Service prices and transitions payout orders. Terminal orders are
// immutable; the completed transition is the only place proceeds are
// credited, and the debit lands only after the order has won the
// conditional flip to completed, so a failed order never carries a
// ledger entry. A crash between the flip and the debit is healed by
// retrying Complete.
type Service struct {
	kv      *kvstore.Store
	ledger  ledger.Ledger
	prices  pricing.Source
	spreads *pricing.Spreads
	now     func() time.Time
}

func NewService(kv *kvstore.Store, led ledger.Ledger, prices pricing.Source, spreads *pricing.Spreads) *Service {
	return &Service{kv: kv, ledger: led, prices: prices, spreads: spreads, now: time.Now}
}

// Create prices a new pending order at the current spot, applying the
// asset's exit spread: settlementPrice = spot * (1 - spread/100).
func (s *Service) Create(ctx context.Context, params Params) (*models.SettlementOrder, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	spot, err := s.prices.SpotPrice(ctx, params.Asset)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, uuid.New().String(), params, spot)
}

// CreateFromQuote prices the order off an executed sell quote instead
// of live spot, honoring the price locked at quote time. The quote is
// consumed: it binds to at most one order, ever.
func (s *Service) CreateFromQuote(ctx context.Context, quote *models.Quote, rail string) (*models.SettlementOrder, error) {
	if quote.Side != models.QuoteSell || quote.Status != models.QuoteExecuted {
		return nil, fmt.Errorf("%w: quote %s is %s %s", ErrQuoteNotExecutable, quote.Id, string(quote.Side), string(quote.Status))
	}
	params := Params{
		AccountId: quote.AccountId,
		Asset:     quote.Asset,
		Grams:     quote.Quantity,
		Rail:      rail,
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}

	// Claim the quote first; the insert-if-absent decides the single
	// order allowed to exist for it.
	orderId := uuid.New().String()
	err := s.kv.Create(ctx, nsOrderByQuote, quote.Id, []byte(orderId))
	if errors.Is(err, kvstore.ErrKeyExists) {
		rec, gerr := s.kv.Get(ctx, nsOrderByQuote, quote.Id)
		if gerr != nil {
			return nil, gerr
		}
		boundId := string(rec.Value)
		if existing, _, gerr := s.load(ctx, boundId); gerr == nil {
			return nil, fmt.Errorf("%w: quote %s settled by order %s", ErrQuoteAlreadySettled, quote.Id, existing.Id)
		} else if !errors.Is(gerr, ErrOrderNotFound) {
			return nil, gerr
		}
		// A prior attempt claimed the quote and died before recording
		// the order; finish its work under the same id.
		orderId = boundId
	} else if err != nil {
		return nil, err
	}

	order, err := s.create(ctx, orderId, params, quote.PricePerUnit)
	if errors.Is(err, kvstore.ErrKeyExists) {
		return nil, fmt.Errorf("%w: quote %s", ErrQuoteAlreadySettled, quote.Id)
	}
	return order, err
}

func (s *Service) create(ctx context.Context, orderId string, params Params, spot decimal.Decimal) (*models.SettlementOrder, error) {
	spread, err := s.spreads.ExitSpreadPercent(ctx, params.Asset)
	if err != nil {
		return nil, err
	}

	settlementPrice := spot.Mul(decimal.NewFromInt(1).Sub(spread.Div(hundred)))
	now := s.now().UTC()
	order := &models.SettlementOrder{
		Id:                     orderId,
		AccountId:              params.AccountId,
		Asset:                  params.Asset,
		Grams:                  params.Grams,
		SpotPricePerGram:       spot,
		ExitSpreadPercent:      spread,
		SettlementPricePerGram: settlementPrice,
		TotalSettlementUSD:     settlementPrice.Mul(params.Grams),
		SettlementRail:         params.Rail,
		Status:                 models.SettlementPending,
		StatusHistory: []models.StatusChange{
			{Status: models.SettlementPending, At: now, Note: "order created"},
		},
		CreatedAt: now,
	}

	value, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settlement order: %w", err)
	}
	if err := s.kv.Create(ctx, nsOrder, order.Id, value); err != nil {
		return nil, err
	}

	zap.L().Info("Settlement order created",
		zap.String("order_id", order.Id),
		zap.String("account_id", order.AccountId),
		zap.String("asset", order.Asset),
		zap.String("grams", order.Grams.String()),
		zap.String("spot_price_per_gram", spot.String()),
		zap.String("exit_spread_percent", spread.String()),
		zap.String("settlement_price_per_gram", settlementPrice.String()),
		zap.String("total_settlement_usd", order.TotalSettlementUSD.String()))
	return order, nil
}

func validateParams(params Params) error {
	if params.AccountId == "" || params.Asset == "" || params.Rail == "" {
		return fmt.Errorf("%w: account, asset and rail are required", ErrInvalidSettlementOrder)
	}
	if params.Grams.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: grams must be positive", ErrInvalidSettlementOrder)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, orderId string) (*models.SettlementOrder, error) {
	order, _, err := s.load(ctx, orderId)
	return order, err
}

// List returns every order for an account, oldest first.
func (s *Service) List(ctx context.Context, accountId string) ([]models.SettlementOrder, error) {
	records, err := s.kv.List(ctx, nsOrder, "")
	if err != nil {
		return nil, err
	}
	var orders []models.SettlementOrder
	for _, rec := range records {
		var order models.SettlementOrder
		if err := json.Unmarshal(rec.Value, &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settlement order %s: %w", rec.Key, err)
		}
		if accountId != "" && order.AccountId != accountId {
			continue
		}
		orders = append(orders, order)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// MarkProcessing moves a pending order to processing.
func (s *Service) MarkProcessing(ctx context.Context, orderId, note string) (*models.SettlementOrder, error) {
	return s.transition(ctx, orderId, models.SettlementProcessing, note, func(order *models.SettlementOrder) error {
		if order.Status != models.SettlementPending {
			return fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, order.Status)
		}
		return nil
	})
}

// Complete finishes an order in two steps: win the conditional flip to
// completed first, then append the settlement debit (idempotent on the
// order id) and record proceedsCredited. The debit can only exist for
// an order that actually completed; a concurrent Fail that wins the
// flip leaves the ledger untouched. A crash between the two steps
// leaves a completed order without its flag, which a retried Complete
// detects and finishes.
func (s *Service) Complete(ctx context.Context, orderId, note string) (*models.SettlementOrder, error) {
	for {
		order, version, err := s.load(ctx, orderId)
		if err != nil {
			return nil, err
		}

		switch order.Status {
		case models.SettlementCompleted:
			if order.ProceedsCredited {
				return nil, fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, order.Status)
			}
			// A prior attempt flipped the order and died before the
			// debit landed; re-assert the ledger effect below.
		case models.SettlementPending, models.SettlementProcessing:
			settledAt := s.now().UTC()
			order.Status = models.SettlementCompleted
			order.SettledAt = &settledAt
			order.StatusHistory = append(order.StatusHistory, models.StatusChange{
				Status: models.SettlementCompleted,
				At:     settledAt,
				Note:   note,
			})
			if err := s.write(ctx, order, version); err != nil {
				if errors.Is(err, kvstore.ErrVersionConflict) {
					continue // a concurrent transition won; re-read and re-guard
				}
				return nil, err
			}
			version++
		default:
			return nil, fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, order.Status)
		}

		return s.creditProceeds(ctx, order, version)
	}
}

// creditProceeds appends the idempotent settlement debit for a
// completed order and flags it credited. Safe to re-run after any
// partial failure.
func (s *Service) creditProceeds(ctx context.Context, order *models.SettlementOrder, version int64) (*models.SettlementOrder, error) {
	settledAt := s.now().UTC()
	if order.SettledAt != nil {
		settledAt = *order.SettledAt
	}
	_, _, err := s.ledger.Append(ctx, &models.CapitalEntry{
		AccountId:          order.AccountId,
		Kind:               models.EntrySettlementDebit,
		Amount:             order.Grams,
		Asset:              order.Asset,
		Status:             models.EntrySettled,
		SourceSettlementId: order.Id,
		SettledAt:          &settledAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to debit settlement %s: %w", order.Id, err)
	}

	for {
		if order.ProceedsCredited {
			return order, nil
		}
		order.ProceedsCredited = true
		err := s.write(ctx, order, version)
		if err == nil {
			zap.L().Info("Settlement order completed",
				zap.String("order_id", order.Id),
				zap.String("account_id", order.AccountId),
				zap.String("total_settlement_usd", order.TotalSettlementUSD.String()))
			return order, nil
		}
		if !errors.Is(err, kvstore.ErrVersionConflict) {
			return nil, err
		}
		order, version, err = s.load(ctx, order.Id)
		if err != nil {
			return nil, err
		}
	}
}

// Fail marks an order failed with a reason. No ledger entry is touched;
// a failed order never got its debit.
func (s *Service) Fail(ctx context.Context, orderId, reason string) (*models.SettlementOrder, error) {
	return s.transition(ctx, orderId, models.SettlementFailed, reason, func(order *models.SettlementOrder) error {
		if order.Status.Terminal() {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, order.Status)
		}
		return nil
	})
}

// transition applies one guarded status change with a conditional
// write; guard validates the current state.
func (s *Service) transition(ctx context.Context, orderId string, target models.SettlementStatus, note string,
	guard func(*models.SettlementOrder) error) (*models.SettlementOrder, error) {
	for {
		order, version, err := s.load(ctx, orderId)
		if err != nil {
			return nil, err
		}
		if err := guard(order); err != nil {
			return nil, err
		}

		order.Status = target
		order.StatusHistory = append(order.StatusHistory, models.StatusChange{
			Status: target,
			At:     s.now().UTC(),
			Note:   note,
		})

		err = s.write(ctx, order, version)
		if err == nil {
			zap.L().Info("Settlement order transitioned",
				zap.String("order_id", orderId),
				zap.String("status", string(target)),
				zap.String("note", note))
			return order, nil
		}
		if !errors.Is(err, kvstore.ErrVersionConflict) {
			return nil, err
		}
		// Re-read and re-guard; the winner may have reached a terminal
		// state that makes this transition invalid.
	}
}

func (s *Service) write(ctx context.Context, order *models.SettlementOrder, version int64) error {
	value, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement order: %w", err)
	}
	return s.kv.Update(ctx, nsOrder, order.Id, value, version)
}

func (s *Service) load(ctx context.Context, orderId string) (*models.SettlementOrder, int64, error) {
	rec, err := s.kv.Get(ctx, nsOrder, orderId)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrOrderNotFound, orderId)
	}
	if err != nil {
		return nil, 0, err
	}
	var order models.SettlementOrder
	if err := json.Unmarshal(rec.Value, &order); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal settlement order %s: %w", orderId, err)
	}
	return &order, rec.Version, nil
}
