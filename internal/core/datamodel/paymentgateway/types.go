package paymentgateway

import (
	"errors"
	"fmt"
)

// Outcome is the closed result of a gateway call. The unexported marker
// keeps other packages from adding variants, so a type switch over the five
// types below is exhaustive.
type Outcome interface {
	isOutcome()
	String() string
}

type Succeeded struct {
	IntentID   string
	ReceiptRef string
}

type RequiresAction struct {
	IntentID          string
	ContinuationToken string
}

type Declined struct {
	ReasonCode string
	Message    string
}

// TransientError means the outcome is unknown. Retrying with the same
// idempotency key is safe.
type TransientError struct {
	Cause error
}

// FatalError means the gateway refused the call in a way a retry cannot fix.
type FatalError struct {
	Cause error
}

func (Succeeded) isOutcome()      {}
func (RequiresAction) isOutcome() {}
func (Declined) isOutcome()       {}
func (TransientError) isOutcome() {}
func (FatalError) isOutcome()     {}

func (o Succeeded) String() string      { return "succeeded:" + o.IntentID }
func (o RequiresAction) String() string { return "requires_action:" + o.IntentID }
func (o Declined) String() string       { return "declined:" + o.ReasonCode }
func (o TransientError) String() string { return fmt.Sprintf("transient_error: %v", o.Cause) }
func (o FatalError) String() string     { return fmt.Sprintf("fatal_error: %v", o.Cause) }

func (TransientError) Retryable() bool { return true }
func (FatalError) Retryable() bool     { return false }

// IntentRequest is what the orchestrator asks the gateway to charge.
type IntentRequest struct {
	Amount          int64
	Currency        string
	PaymentMethodID string
	IdempotencyKey  string
}

func (r *IntentRequest) Validate() error {
	if r.Amount <= 0 {
		return errors.New("amount must be greater than 0")
	}
	if r.Currency == "" {
		return errors.New("currency is required")
	}
	if r.PaymentMethodID == "" {
		return errors.New("payment_method is required")
	}
	if r.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	return nil
}

// IntentStatus values reported by the gateway for a payment intent.
type IntentStatus string

const (
	IntentStatusSucceeded             IntentStatus = "succeeded"
	IntentStatusRequiresAction        IntentStatus = "requires_action"
	IntentStatusRequiresSourceAction  IntentStatus = "requires_source_action"
	IntentStatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentStatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentStatusProcessing            IntentStatus = "processing"
	IntentStatusCanceled              IntentStatus = "canceled"
)

type CreateIntentPayload struct {
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	Confirm       bool   `json:"confirm"`
	Metadata      struct {
		IdempotencyKey string `json:"idempotency_key"`
	} `json:"metadata"`
}

type ConfirmIntentPayload struct {
	ClientSecret string `json:"client_secret"`
}

type IntentResponse struct {
	ID               string       `json:"id"`
	Status           IntentStatus `json:"status"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	ClientSecret     string       `json:"client_secret,omitempty"`
	LatestCharge     string       `json:"latest_charge,omitempty"`
	LastPaymentError *ErrorBody   `json:"last_payment_error,omitempty"`
}

type ErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	DeclineCode string `json:"decline_code,omitempty"`
	Message     string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
