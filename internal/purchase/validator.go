package purchase

import (
	"regexp"
	"strings"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/core/common/validation"
)

const maxIdempotencyKeyLength = 255

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Validator checks purchase requests before anything is stored or charged.
// It holds configuration only and performs no I/O.
type Validator struct {
	maxAmount  int64
	currencies map[string]struct{}
}

// NewValidator accepts only currencies that are both configured and known
// to FormatAmount.
func NewValidator(maxAmount int64, currencies []string) *Validator {
	allowed := make(map[string]struct{}, len(currencies))
	for _, c := range currencies {
		c = strings.ToUpper(strings.TrimSpace(c))
		if _, known := CurrencyExponent(c); known {
			allowed[c] = struct{}{}
		}
	}
	return &Validator{maxAmount: maxAmount, currencies: allowed}
}

func (v *Validator) Validate(req CreatePurchaseRequest) (*ValidRequest, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))

	builder := validation.NewValidator()
	builder.Field("userId", req.UserID).
		Required().
		MaxLength(255)
	builder.Field("amount", req.Amount).
		MinInt(1, errors.ErrCodeInvalidAmount).
		MaxInt(v.maxAmount, errors.ErrCodeAmountTooHigh)
	builder.Field("currency", currency).
		Required().
		Matches(currencyPattern, "currency must be a three-letter ISO 4217 code", errors.ErrCodeInvalidCurrency).
		OneOf(v.currencies, "currency is not supported", errors.ErrCodeInvalidCurrency)
	builder.Field("paymentMethodId", req.PaymentMethodID).
		Required().
		MaxLength(255)
	builder.Field("idempotencyKey", req.IdempotencyKey).
		Required().
		MaxLength(maxIdempotencyKeyLength)

	if err := builder.Validate(); err != nil {
		return nil, err
	}

	return &ValidRequest{
		UserID:          strings.TrimSpace(req.UserID),
		Amount:          req.Amount,
		Currency:        currency,
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		IdempotencyKey:  req.IdempotencyKey,
	}, nil
}

// ValidateUpdate rejects any attempt to touch financial fields.
func (v *Validator) ValidateUpdate(req UpdatePurchaseRequest) error {
	builder := validation.NewValidator()
	builder.Field("amount", req.Amount).Custom(immutable("amount"))
	builder.Field("currency", req.Currency).Custom(immutable("currency"))
	if err := builder.Validate(); err != nil {
		return err
	}
	return nil
}

func immutable(field string) func(interface{}) *errors.AppError {
	return func(value interface{}) *errors.AppError {
		set := false
		switch v := value.(type) {
		case *int64:
			set = v != nil
		case *string:
			set = v != nil
		}
		if set {
			return errors.NewValidationFieldError(field, field+" cannot be changed after creation", errors.ErrCodeImmutableField)
		}
		return nil
	}
}
