package purchase

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreatePurchaseRequest struct {
	UserID          string `json:"userId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	PaymentMethodID string `json:"paymentMethodId"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

// ValidRequest is a CreatePurchaseRequest that passed the Validator, with
// the currency normalised to upper case.
type ValidRequest struct {
	UserID          string
	Amount          int64
	Currency        string
	PaymentMethodID string
	IdempotencyKey  string
}

type ConfirmPurchaseRequest struct {
	ConfirmationToken string `json:"confirmationToken"`
}

// UpdatePurchaseRequest carries the admin-editable fields. Amount and
// Currency are decoded only so that attempts to change them can be rejected.
type UpdatePurchaseRequest struct {
	Metadata map[string]interface{} `json:"metadata"`
	Amount   *int64                 `json:"amount,omitempty"`
	Currency *string                `json:"currency,omitempty"`
}

// Result is what the orchestrator hands back for create, confirm and
// reconcile calls.
type Result struct {
	Purchase          *Purchase
	ContinuationToken string
	Replayed          bool
}

type PurchaseView struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"userId"`
	Amount          int64                  `json:"amount"`
	DisplayAmount   string                 `json:"displayAmount"`
	Currency        string                 `json:"currency"`
	Status          Status                 `json:"status"`
	IdempotencyKey  string                 `json:"idempotencyKey"`
	GatewayIntentID *string                `json:"gatewayIntentId,omitempty"`
	ReceiptRef      *string                `json:"receiptRef,omitempty"`
	DeclineCode     *string                `json:"declineCode,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

type PurchaseResponse struct {
	Status            Status        `json:"status"`
	Purchase          *PurchaseView `json:"purchase,omitempty"`
	ContinuationToken string        `json:"continuationToken,omitempty"`
	Replayed          bool          `json:"replayed,omitempty"`
}

type PurchaseDetailResponse struct {
	Purchase *PurchaseView `json:"purchase"`
}

type PurchaseListResponse struct {
	Purchases []*PurchaseView `json:"purchases"`
	Limit     int             `json:"limit"`
	Offset    int             `json:"offset"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// currencyExponents holds the minor-unit exponent of each supported ISO-4217 code.
var currencyExponents = map[string]int32{
	"USD": 2, "EUR": 2, "GBP": 2, "CAD": 2, "AUD": 2, "SGD": 2, "CHF": 2,
	"IDR": 2, "INR": 2, "BRL": 2, "MXN": 2,
	"JPY": 0, "KRW": 0, "VND": 0,
}

func CurrencyExponent(currency string) (int32, bool) {
	exp, ok := currencyExponents[currency]
	return exp, ok
}

// FormatAmount renders minor units as a major-unit string, e.g. 200 USD -> "2.00".
func FormatAmount(amount int64, currency string) string {
	exp, ok := CurrencyExponent(currency)
	if !ok {
		exp = 2
	}
	return decimal.New(amount, -exp).StringFixed(exp)
}

func (p *Purchase) ToView() *PurchaseView {
	return &PurchaseView{
		ID:              p.ID,
		UserID:          p.UserID,
		Amount:          p.Amount,
		DisplayAmount:   FormatAmount(p.Amount, p.Currency),
		Currency:        p.Currency,
		Status:          p.Status,
		IdempotencyKey:  p.IdempotencyKey,
		GatewayIntentID: p.GatewayIntentID,
		ReceiptRef:      p.ReceiptRef,
		DeclineCode:     p.DeclineCode,
		Metadata:        p.Metadata,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (r *Result) ToResponse() PurchaseResponse {
	resp := PurchaseResponse{
		Status:            r.Purchase.Status,
		Purchase:          r.Purchase.ToView(),
		ContinuationToken: r.ContinuationToken,
		Replayed:          r.Replayed,
	}
	return resp
}
