package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePurchaseSucceeded      = "purchase.succeeded"
	EventTypePurchaseRequiresAction = "purchase.requires_action"
	EventTypePurchaseFailed         = "purchase.failed"
)

// PurchaseEventTypes lists every event the purchase service emits.
var PurchaseEventTypes = []string{
	EventTypePurchaseSucceeded,
	EventTypePurchaseRequiresAction,
	EventTypePurchaseFailed,
}

type PurchasePayload struct {
	PurchaseID      string `json:"purchase_id"`
	UserID          string `json:"user_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	GatewayIntentID string `json:"gateway_intent_id,omitempty"`
	DeclineCode     string `json:"decline_code,omitempty"`
}

type PurchaseEvent struct {
	BaseEvent
	Purchase PurchasePayload `json:"purchase"`
}

func NewPurchaseEvent(eventType string, payload PurchasePayload) *PurchaseEvent {
	data := map[string]interface{}{
		"purchase_id": payload.PurchaseID,
		"user_id":     payload.UserID,
		"amount":      payload.Amount,
		"currency":    payload.Currency,
		"status":      payload.Status,
	}
	if payload.GatewayIntentID != "" {
		data["gateway_intent_id"] = payload.GatewayIntentID
	}
	if payload.DeclineCode != "" {
		data["decline_code"] = payload.DeclineCode
	}

	return &PurchaseEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Data:      data,
		},
		Purchase: payload,
	}
}

// PartitionKey keeps all events of one purchase on the same partition.
func (e *PurchaseEvent) PartitionKey() string {
	return e.Purchase.PurchaseID
}
