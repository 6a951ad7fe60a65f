package paymentgateway_test

import (
	"context"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	gateway "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/puzzle-purchases/internal/paymentgateway"
)

var _ = Describe("Sandbox", func() {
	var (
		sandbox *paymentgateway.Sandbox
		ctx     context.Context
	)

	intent := func(method, key string) gateway.IntentRequest {
		return gateway.IntentRequest{Amount: 500, Currency: "USD", PaymentMethodID: method, IdempotencyKey: key}
	}

	BeforeEach(func() {
		ctx = context.Background()
		sandbox = paymentgateway.NewSandbox(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	})

	It("charges once per idempotency key", func() {
		first := sandbox.CreateIntent(ctx, intent(paymentgateway.SandboxCardSucceeds, "k1"))
		second := sandbox.CreateIntent(ctx, intent(paymentgateway.SandboxCardSucceeds, "k1"))

		Expect(first).To(BeAssignableToTypeOf(gateway.Succeeded{}))
		Expect(second).To(Equal(first))
		Expect(sandbox.CreateCount()).To(Equal(1))
	})

	It("declines the decline card", func() {
		Expect(sandbox.CreateIntent(ctx, intent(paymentgateway.SandboxCardDeclined, "k1"))).
			To(Equal(gateway.Declined{ReasonCode: "card_declined", Message: "Your card was declined."}))
	})

	It("requires action and completes with the client secret", func() {
		outcome := sandbox.CreateIntent(ctx, intent(paymentgateway.SandboxCardRequiresAuth, "k1"))
		action, ok := outcome.(gateway.RequiresAction)
		Expect(ok).To(BeTrue())

		Expect(sandbox.ConfirmIntent(ctx, action.IntentID, "wrong")).To(BeAssignableToTypeOf(gateway.FatalError{}))
		Expect(sandbox.QueryIntent(ctx, action.IntentID)).To(BeAssignableToTypeOf(gateway.RequiresAction{}))

		Expect(sandbox.ConfirmIntent(ctx, action.IntentID, action.ContinuationToken)).To(BeAssignableToTypeOf(gateway.Succeeded{}))
		Expect(sandbox.QueryIntent(ctx, action.IntentID)).To(BeAssignableToTypeOf(gateway.Succeeded{}))
	})

	It("reports an outage without recording an intent", func() {
		Expect(sandbox.CreateIntent(ctx, intent(paymentgateway.SandboxCardGatewayDown, "k1"))).To(BeAssignableToTypeOf(gateway.TransientError{}))
		Expect(sandbox.CreateCount()).To(Equal(0))
	})

	It("rejects unknown payment methods and intents", func() {
		Expect(sandbox.CreateIntent(ctx, intent(paymentgateway.SandboxCardInvalidMethod, "k1"))).To(BeAssignableToTypeOf(gateway.FatalError{}))
		Expect(sandbox.QueryIntent(ctx, "pi_missing")).To(BeAssignableToTypeOf(gateway.FatalError{}))
	})
})
