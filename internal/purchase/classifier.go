package purchase

import (
	stderrors "errors"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	gateway "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/paymentgateway"
)

const (
	msgDeclined        = "Your payment was declined"
	msgUnavailable     = "Payment provider is temporarily unavailable, retry with the same idempotency key"
	msgInProgress      = "Purchase is still being processed, retry with the same idempotency key"
	msgInternal        = "An internal error occurred"
	msgPaymentInternal = "Payment could not be processed"
)

// ClassifyOutcome maps the failure variants of a gateway outcome onto the
// error taxonomy. Succeeded and RequiresAction yield nil.
func ClassifyOutcome(outcome gateway.Outcome) *errors.AppError {
	switch o := outcome.(type) {
	case gateway.Succeeded, gateway.RequiresAction:
		return nil
	case gateway.Declined:
		message := o.Message
		if message == "" {
			message = msgDeclined
		}
		return errors.NewPaymentDeclinedError(message, o.ReasonCode)
	case gateway.TransientError:
		return errors.NewGatewayUnavailableError(msgUnavailable, errors.ErrCodeGatewayUnavailable).WithCause(o.Cause)
	case gateway.FatalError:
		return errors.NewInternalError(msgPaymentInternal, o.Cause)
	default:
		return errors.NewInternalError(msgPaymentInternal, nil)
	}
}

// Classify turns any error surfaced by the orchestrator into an AppError.
// Unknown errors become an opaque InternalFault; the cause stays attached
// for logging and is never serialised.
func Classify(err error) *errors.AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := errors.IsAppError(err); ok {
		return appErr
	}
	switch {
	case stderrors.Is(err, ErrPurchaseNotFound):
		return errors.NewNotFoundError("Purchase not found", errors.ErrCodePurchaseNotFound)
	case stderrors.Is(err, ErrNotTerminal):
		return errors.NewConflictError("Purchase is still being processed", errors.ErrCodePurchaseNotTerminal)
	case stderrors.Is(err, ErrStatusConflict):
		return errors.NewGatewayUnavailableError(msgInProgress, errors.ErrCodePurchaseInProgress).WithCause(err)
	default:
		return errors.NewInternalError(msgInternal, err)
	}
}
