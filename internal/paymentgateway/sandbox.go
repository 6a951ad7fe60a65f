package paymentgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gateway "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/paymentgateway"
	"github.com/google/uuid"
)

// Payment method ids understood by the sandbox.
const (
	SandboxCardSucceeds      = "pm_card_visa"
	SandboxCardDeclined      = "pm_card_declined"
	SandboxCardRequiresAuth  = "pm_card_3ds"
	SandboxCardGatewayDown   = "pm_card_unavailable"
	SandboxCardInvalidMethod = "pm_card_invalid"
)

type sandboxIntent struct {
	id           string
	status       gateway.IntentStatus
	clientSecret string
	declineCode  string
}

// Sandbox is an in-process gateway for local runs and integration specs.
// It de-duplicates CreateIntent by idempotency key like the real gateway.
type Sandbox struct {
	mu      sync.Mutex
	byKey   map[string]*sandboxIntent
	byID    map[string]*sandboxIntent
	logger  *slog.Logger
	creates int
}

func NewSandbox(logger *slog.Logger) *Sandbox {
	return &Sandbox{
		byKey:  make(map[string]*sandboxIntent),
		byID:   make(map[string]*sandboxIntent),
		logger: logger,
	}
}

func (s *Sandbox) CreateIntent(_ context.Context, req gateway.IntentRequest) gateway.Outcome {
	if err := req.Validate(); err != nil {
		return gateway.FatalError{Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[req.IdempotencyKey]; ok {
		return existing.outcome()
	}

	intent := &sandboxIntent{id: "pi_" + uuid.NewString()}
	switch req.PaymentMethodID {
	case SandboxCardDeclined:
		intent.status = gateway.IntentStatusRequiresPaymentMethod
		intent.declineCode = "card_declined"
	case SandboxCardRequiresAuth:
		intent.status = gateway.IntentStatusRequiresAction
		intent.clientSecret = intent.id + "_secret_" + uuid.NewString()
	case SandboxCardGatewayDown:
		return gateway.TransientError{Cause: errors.New("sandbox: gateway unavailable")}
	case SandboxCardInvalidMethod:
		return gateway.FatalError{Cause: errors.New("sandbox: no such payment method")}
	default:
		intent.status = gateway.IntentStatusSucceeded
	}

	s.creates++
	s.byKey[req.IdempotencyKey] = intent
	s.byID[intent.id] = intent

	s.logger.Info("sandbox: intent created", "intent_id", intent.id, "status", intent.status)
	return intent.outcome()
}

// CreateCount reports how many distinct intents were created.
func (s *Sandbox) CreateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func (s *Sandbox) ConfirmIntent(_ context.Context, intentID, continuationToken string) gateway.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.byID[intentID]
	if !ok {
		return gateway.FatalError{Cause: fmt.Errorf("sandbox: no such intent %s", intentID)}
	}
	if intent.status == gateway.IntentStatusRequiresAction {
		if continuationToken != intent.clientSecret {
			return gateway.FatalError{Cause: errors.New("sandbox: client secret mismatch")}
		}
		intent.status = gateway.IntentStatusSucceeded
	}
	return intent.outcome()
}

func (s *Sandbox) QueryIntent(_ context.Context, intentID string) gateway.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.byID[intentID]
	if !ok {
		return gateway.FatalError{Cause: fmt.Errorf("sandbox: no such intent %s", intentID)}
	}
	return intent.outcome()
}

func (i *sandboxIntent) outcome() gateway.Outcome {
	return outcomeFromIntent(gateway.IntentResponse{
		ID:           i.id,
		Status:       i.status,
		ClientSecret: i.clientSecret,
		LastPaymentError: &gateway.ErrorBody{
			Type:        "card_error",
			DeclineCode: i.declineCode,
			Message:     "Your card was declined.",
		},
	})
}
