package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bullion-custody-go/internal/kvstore"
	"bullion-custody-go/internal/models"
	"bullion-custody-go/internal/pricing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultTTL is how long a locked price stays executable.
const DefaultTTL = 30 * time.Second

const nsQuote = "quote"

// Sentinel errors for quote operations.
var (
	ErrQuoteNotFound        = errors.New("quote not found")
	ErrQuoteExpired         = errors.New("quote expired")
	ErrQuoteAlreadyExecuted = errors.New("quote already executed")
	ErrInvalidQuoteRequest  = errors.New("invalid quote request")
)

// Service issues and executes time-locked price quotes. Execution is
// exactly-once: the active -> executed transition is a conditional
// write that exactly one concurrent caller can win.
type Service struct {
	kv     *kvstore.Store
	prices pricing.Source
	ttl    time.Duration
	now    func() time.Time
}

func NewService(kv *kvstore.Store, prices pricing.Source, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{kv: kv, prices: prices, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, side models.QuoteSide, asset string, quantity decimal.Decimal, accountId string) (*models.Quote, error) {
	if side != models.QuoteBuy && side != models.QuoteSell {
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrInvalidQuoteRequest)
	}
	if asset == "" || accountId == "" {
		return nil, fmt.Errorf("%w: asset and account are required", ErrInvalidQuoteRequest)
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidQuoteRequest)
	}

	spot, err := s.prices.SpotPrice(ctx, asset)
	if err != nil {
		return nil, err
	}

	lockedAt := s.now().UTC()
	q := &models.Quote{
		Id:           uuid.New().String(),
		Side:         side,
		Asset:        asset,
		Quantity:     quantity,
		AccountId:    accountId,
		PricePerUnit: spot,
		LockedAt:     lockedAt,
		ExpiresAt:    lockedAt.Add(s.ttl),
		Status:       models.QuoteActive,
	}

	value, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quote: %w", err)
	}
	if err := s.kv.Create(ctx, nsQuote, q.Id, value); err != nil {
		return nil, err
	}

	zap.L().Info("Quote locked",
		zap.String("quote_id", q.Id),
		zap.String("side", string(side)),
		zap.String("asset", asset),
		zap.String("quantity", quantity.String()),
		zap.String("price_per_unit", spot.String()),
		zap.Time("expires_at", q.ExpiresAt))
	return q, nil
}

// Get returns a quote by id. Quotes past their expiry are reported
// with status expired; expiry is purely logical, no sweeper runs.
func (s *Service) Get(ctx context.Context, id string) (*models.Quote, error) {
	q, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Status == models.QuoteActive && s.now().After(q.ExpiresAt) {
		q.Status = models.QuoteExpired
	}
	return q, nil
}

// TimeRemaining is the lock time left, floored at zero.
func (s *Service) TimeRemaining(q *models.Quote) time.Duration {
	remaining := q.ExpiresAt.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Execute consumes a quote. Exactly one caller succeeds; everyone
// else sees ErrQuoteAlreadyExecuted, or ErrQuoteExpired once the TTL
// has passed. The expiry check precedes the transition attempt and is
// authoritative even when the conditional write would have won.
func (s *Service) Execute(ctx context.Context, id string) (*models.Quote, error) {
	for {
		q, version, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		switch q.Status {
		case models.QuoteExecuted:
			return nil, fmt.Errorf("%w: %s", ErrQuoteAlreadyExecuted, id)
		case models.QuoteExpired:
			return nil, fmt.Errorf("%w: %s", ErrQuoteExpired, id)
		}
		if s.now().After(q.ExpiresAt) {
			s.markExpired(ctx, q, version)
			return nil, fmt.Errorf("%w: %s", ErrQuoteExpired, id)
		}

		q.Status = models.QuoteExecuted
		value, err := json.Marshal(q)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal quote: %w", err)
		}
		err = s.kv.Update(ctx, nsQuote, id, value, version)
		if err == nil {
			zap.L().Info("Quote executed",
				zap.String("quote_id", id),
				zap.String("asset", q.Asset),
				zap.String("price_per_unit", q.PricePerUnit.String()))
			return q, nil
		}
		if !errors.Is(err, kvstore.ErrVersionConflict) {
			return nil, err
		}
		// Lost the race; the re-read will see the winner's state.
	}
}

// markExpired persists the expired status so later reads are cheap.
// Losing this write is harmless: expiry is decided by the clock.
func (s *Service) markExpired(ctx context.Context, q *models.Quote, version int64) {
	q.Status = models.QuoteExpired
	value, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := s.kv.Update(ctx, nsQuote, q.Id, value, version); err != nil && !errors.Is(err, kvstore.ErrVersionConflict) {
		zap.L().Warn("Failed to persist quote expiry", zap.String("quote_id", q.Id), zap.Error(err))
	}
}

func (s *Service) load(ctx context.Context, id string) (*models.Quote, int64, error) {
	rec, err := s.kv.Get(ctx, nsQuote, id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	if err != nil {
		return nil, 0, err
	}
	var q models.Quote
	if err := json.Unmarshal(rec.Value, &q); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal quote %s: %w", id, err)
	}
	return &q, rec.Version, nil
}
