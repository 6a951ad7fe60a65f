package purchase_test

import (
	stderrors "errors"
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	gateway "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
)

var _ = Describe("ErrorClassifier", func() {
	Describe("ClassifyOutcome", func() {
		It("returns nil for outcomes that are not failures", func() {
			Expect(purchase.ClassifyOutcome(gateway.Succeeded{IntentID: "pi_1"})).To(BeNil())
			Expect(purchase.ClassifyOutcome(gateway.RequiresAction{IntentID: "pi_1"})).To(BeNil())
		})

		DescribeTable("maps failures onto the four kinds",
			func(outcome gateway.Outcome, kind errors.ErrorType, status int, retryable bool) {
				appErr := purchase.ClassifyOutcome(outcome)
				Expect(appErr).ToNot(BeNil())
				Expect(appErr.Type).To(Equal(kind))
				Expect(appErr.StatusCode).To(Equal(status))
				Expect(appErr.Retryable).To(Equal(retryable))
			},
			Entry("declined", gateway.Declined{ReasonCode: "card_declined"}, errors.ErrorTypePaymentDeclined, http.StatusPaymentRequired, false),
			Entry("transient", gateway.TransientError{Cause: stderrors.New("timeout")}, errors.ErrorTypeGatewayUnavailable, http.StatusServiceUnavailable, true),
			Entry("fatal", gateway.FatalError{Cause: stderrors.New("bad key")}, errors.ErrorTypeInternal, http.StatusInternalServerError, false),
		)

		It("keeps gateway internals out of the message", func() {
			appErr := purchase.ClassifyOutcome(gateway.FatalError{Cause: stderrors.New("sk_live_123 rejected")})
			Expect(appErr.Message).ToNot(ContainSubstring("sk_live"))

			body, err := appErr.MarshalJSON()
			Expect(err).ToNot(HaveOccurred())
			Expect(string(body)).ToNot(ContainSubstring("sk_live"))
		})
	})

	Describe("Classify", func() {
		It("passes AppErrors through", func() {
			original := errors.NewValidationError("bad", errors.ErrCodeValidationFailed)
			Expect(purchase.Classify(fmt.Errorf("wrapped: %w", original))).To(BeIdenticalTo(original))
		})

		It("maps domain sentinels", func() {
			Expect(purchase.Classify(purchase.ErrPurchaseNotFound).StatusCode).To(Equal(http.StatusNotFound))
			Expect(purchase.Classify(purchase.ErrNotTerminal).StatusCode).To(Equal(http.StatusConflict))

			conflict := purchase.Classify(purchase.ErrStatusConflict)
			Expect(conflict.Type).To(Equal(errors.ErrorTypeGatewayUnavailable))
			Expect(conflict.Retryable).To(BeTrue())
		})

		It("makes unknown errors opaque", func() {
			appErr := purchase.Classify(stderrors.New("pq: relation purchases does not exist"))
			Expect(appErr.Type).To(Equal(errors.ErrorTypeInternal))
			Expect(appErr.Message).To(Equal("An internal error occurred"))
			Expect(purchase.Classify(nil)).To(BeNil())
		})
	})
})
