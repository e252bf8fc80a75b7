package prime

import (
	"encoding/json"
	"fmt"
	"time"

	"bullion-custody-go/internal/custody"
	"bullion-custody-go/internal/models"

	"github.com/shopspring/decimal"
)

// primeEventPayload is the shape of a Prime transaction callback. Only
// the event types the pipeline understands are accepted; anything else
// is malformed, not best-effort parsed.
type primeEventPayload struct {
	EventType     string `json:"event_type"`
	TransactionId string `json:"transaction_id"`
	Type          string `json:"type"`   // DEPOSIT | WITHDRAWAL
	Status        string `json:"status"` // TRANSACTION_* states
	Symbol        string `json:"symbol"`
	Network       string `json:"network"`
	Amount        string `json:"amount"`
	Confirmations int    `json:"confirmations"`
	TransferTo    struct {
		Address           string `json:"address"`
		AccountIdentifier string `json:"account_identifier"`
	} `json:"transfer_to"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *Adapter) ParseWebhookEvent(rawBody []byte) (*models.WebhookEvent, error) {
	var payload primeEventPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", custody.ErrMalformedPayload, err)
	}
	if payload.EventType != "TRANSACTION_UPDATE" {
		return nil, fmt.Errorf("%w: unknown event type %q", custody.ErrMalformedPayload, payload.EventType)
	}

	var kind models.WebhookEventKind
	switch payload.Type {
	case "DEPOSIT":
		kind = models.EventDeposit
	case "WITHDRAWAL":
		kind = models.EventWithdrawal
	default:
		return nil, fmt.Errorf("%w: unknown transaction type %q", custody.ErrMalformedPayload, payload.Type)
	}

	if payload.TransactionId == "" || payload.Symbol == "" || payload.Network == "" {
		return nil, fmt.Errorf("%w: missing required fields", custody.ErrMalformedPayload)
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid amount %q", custody.ErrMalformedPayload, payload.Amount)
	}

	address := payload.TransferTo.AccountIdentifier
	if address == "" {
		address = payload.TransferTo.Address
	}

	observedAt := payload.CreatedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	return &models.WebhookEvent{
		Kind:          kind,
		TransactionId: payload.TransactionId,
		Address:       address,
		Asset:         payload.Symbol,
		Network:       payload.Network,
		Amount:        amount,
		Confirmations: payload.Confirmations,
		Failed:        payload.Status == "TRANSACTION_FAILED" || payload.Status == "TRANSACTION_REJECTED",
		ObservedAt:    observedAt,
	}, nil
}
