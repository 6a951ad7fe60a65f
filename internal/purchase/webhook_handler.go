package purchase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/transport"
)

const (
	SignatureHeader      = "Gateway-Signature"
	maxNotificationBytes = 64 << 10
)

// GatewayNotification is the part of a gateway event the service reads. The
// status is logged but never trusted; the intent is queried instead.
type GatewayNotification struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Metadata struct {
				IdempotencyKey string `json:"idempotency_key"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

type WebhookResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	PurchaseStatus Status `json:"purchaseStatus,omitempty"`
}

type NotificationService interface {
	ReconcileByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Result, error)
}

type WebhookHandler struct {
	*transport.BaseHandler
	service NotificationService
	secret  []byte
}

func NewWebhookHandler(service NotificationService, secret string, lg *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: transport.NewBaseHandler(lg),
		service:     service,
		secret:      []byte(secret),
	}
}

// Sign returns the hex HMAC-SHA256 of body, the value gateways put in the
// signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) HandleGatewayNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		h.WriteError(w, errors.NewValidationError("Unable to read request body", errors.ErrCodeInvalidBody))
		return
	}

	if !h.validSignature(r.Header.Get(SignatureHeader), body) {
		h.Logger.Warn("gateway notification with bad signature", "remote_addr", r.RemoteAddr)
		h.WriteError(w, errors.NewUnauthorizedError("Invalid notification signature", errors.ErrCodeInvalidToken))
		return
	}

	var notification GatewayNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		h.WriteError(w, errors.NewValidationError("Invalid request body", errors.ErrCodeInvalidBody))
		return
	}

	intent := notification.Data.Object
	log := h.Logger.With(
		"event_id", notification.ID,
		"event_type", notification.Type,
		"intent_id", intent.ID,
		"gateway_status", intent.Status)

	key := intent.Metadata.IdempotencyKey
	if !strings.HasPrefix(notification.Type, "payment_intent.") || key == "" {
		log.Info("ignoring gateway notification")
		h.WriteSuccess(w, http.StatusOK, WebhookResponse{Status: "ignored", Message: "notification not relevant"})
		return
	}

	result, err := h.service.ReconcileByIdempotencyKey(r.Context(), key)
	if err != nil {
		log.Warn("gateway notification not processed", "idempotency_key", key, "error", err)
		h.HandleServiceError(w, err)
		return
	}

	if !result.Purchase.IsTerminal() {
		log.Info("purchase still open after notification", "purchase_id", result.Purchase.ID, "status", result.Purchase.Status)
		h.WriteSuccess(w, http.StatusAccepted, WebhookResponse{
			Status:         "deferred",
			Message:        "purchase not settled yet",
			PurchaseStatus: result.Purchase.Status,
		})
		return
	}

	log.Info("gateway notification processed", "purchase_id", result.Purchase.ID, "status", result.Purchase.Status)
	h.WriteSuccess(w, http.StatusOK, WebhookResponse{
		Status:         "processed",
		Message:        "notification processed successfully",
		PurchaseStatus: result.Purchase.Status,
	})
}

func (h *WebhookHandler) validSignature(signature string, body []byte) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	expected := Sign(string(h.secret), body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
