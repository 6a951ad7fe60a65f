package paymentgateway_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	gateway "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/puzzle-purchases/internal/paymentgateway"
)

var _ = Describe("Client", func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
		client  *paymentgateway.Client
		logger  *slog.Logger
		request gateway.IntentRequest
	)

	respond := func(status int, body interface{}) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(body)
		}
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		handler = respond(http.StatusOK, gateway.IntentResponse{ID: "pi_1", Status: gateway.IntentStatusSucceeded, LatestCharge: "ch_1"})
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler(w, r)
		}))
		client = paymentgateway.NewClient(paymentgateway.Config{
			BaseURL: server.URL + "/",
			APIKey:  "sk_test",
			Timeout: 200 * time.Millisecond,
		}, logger)
		request = gateway.IntentRequest{
			Amount:          200,
			Currency:        "USD",
			PaymentMethodID: "pm_card_visa",
			IdempotencyKey:  "key-1",
		}
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("CreateIntent", func() {
		It("sends the idempotency key and payload", func() {
			var (
				gotHeader http.Header
				gotPath   string
				payload   gateway.CreateIntentPayload
			)
			handler = func(w http.ResponseWriter, r *http.Request) {
				gotHeader = r.Header.Clone()
				gotPath = r.URL.Path
				raw, _ := io.ReadAll(r.Body)
				json.Unmarshal(raw, &payload)
				respond(http.StatusOK, gateway.IntentResponse{ID: "pi_1", Status: gateway.IntentStatusSucceeded, LatestCharge: "ch_1"})(w, r)
			}

			outcome := client.CreateIntent(context.Background(), request)

			Expect(outcome).To(Equal(gateway.Succeeded{IntentID: "pi_1", ReceiptRef: "ch_1"}))
			Expect(gotPath).To(Equal("/v1/payment_intents"))
			Expect(gotHeader.Get("Idempotency-Key")).To(Equal("key-1"))
			Expect(gotHeader.Get("Authorization")).To(Equal("Bearer sk_test"))
			Expect(payload.Currency).To(Equal("usd"))
			Expect(payload.Confirm).To(BeTrue())
			Expect(payload.Metadata.IdempotencyKey).To(Equal("key-1"))
		})

		It("returns RequiresAction with the client secret", func() {
			handler = respond(http.StatusOK, gateway.IntentResponse{ID: "pi_2", Status: gateway.IntentStatusRequiresAction, ClientSecret: "pi_2_secret"})

			Expect(client.CreateIntent(context.Background(), request)).To(Equal(gateway.RequiresAction{IntentID: "pi_2", ContinuationToken: "pi_2_secret"}))
		})

		It("treats requires_action without a secret as fatal", func() {
			handler = respond(http.StatusOK, gateway.IntentResponse{ID: "pi_2", Status: gateway.IntentStatusRequiresAction})

			Expect(client.CreateIntent(context.Background(), request)).To(BeAssignableToTypeOf(gateway.FatalError{}))
		})

		It("maps a failed payment method to Declined", func() {
			handler = respond(http.StatusOK, gateway.IntentResponse{
				ID:               "pi_3",
				Status:           gateway.IntentStatusRequiresPaymentMethod,
				LastPaymentError: &gateway.ErrorBody{DeclineCode: "insufficient_funds", Message: "Insufficient funds"},
			})

			Expect(client.CreateIntent(context.Background(), request)).To(Equal(gateway.Declined{ReasonCode: "insufficient_funds", Message: "Insufficient funds"}))
		})

		It("maps 402 to Declined", func() {
			handler = respond(http.StatusPaymentRequired, gateway.ErrorResponse{Error: gateway.ErrorBody{Type: "card_error", Code: "card_declined", Message: "declined"}})

			Expect(client.CreateIntent(context.Background(), request)).To(Equal(gateway.Declined{ReasonCode: "card_declined", Message: "declined"}))
		})

		DescribeTable("maps HTTP status codes",
			func(status int, expected interface{}) {
				handler = respond(status, gateway.ErrorResponse{Error: gateway.ErrorBody{Message: "boom"}})
				Expect(client.CreateIntent(context.Background(), request)).To(BeAssignableToTypeOf(expected))
			},
			Entry("500 is transient", http.StatusInternalServerError, gateway.TransientError{}),
			Entry("503 is transient", http.StatusServiceUnavailable, gateway.TransientError{}),
			Entry("429 is transient", http.StatusTooManyRequests, gateway.TransientError{}),
			Entry("409 is transient", http.StatusConflict, gateway.TransientError{}),
			Entry("400 is fatal", http.StatusBadRequest, gateway.FatalError{}),
			Entry("401 is fatal", http.StatusUnauthorized, gateway.FatalError{}),
			Entry("404 is fatal", http.StatusNotFound, gateway.FatalError{}),
		)

		It("treats an undecodable success body as transient", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("not json"))
			}

			Expect(client.CreateIntent(context.Background(), request)).To(BeAssignableToTypeOf(gateway.TransientError{}))
		})

		It("turns a timeout into a transient error", func() {
			release := make(chan struct{})
			defer close(release)
			handler = func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
			}

			start := time.Now()
			outcome := client.CreateIntent(context.Background(), request)

			Expect(outcome).To(BeAssignableToTypeOf(gateway.TransientError{}))
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		})

		It("turns a refused connection into a transient error", func() {
			server.Close()

			Expect(client.CreateIntent(context.Background(), request)).To(BeAssignableToTypeOf(gateway.TransientError{}))
		})

		It("refuses invalid requests without calling the gateway", func() {
			called := false
			handler = func(w http.ResponseWriter, r *http.Request) { called = true }
			request.IdempotencyKey = ""

			Expect(client.CreateIntent(context.Background(), request)).To(BeAssignableToTypeOf(gateway.FatalError{}))
			Expect(called).To(BeFalse())
		})
	})

	Describe("ConfirmIntent and QueryIntent", func() {
		It("posts the client secret to the confirm endpoint", func() {
			var (
				gotPath string
				payload gateway.ConfirmIntentPayload
			)
			handler = func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				json.NewDecoder(r.Body).Decode(&payload)
				respond(http.StatusOK, gateway.IntentResponse{ID: "pi_2", Status: gateway.IntentStatusSucceeded})(w, r)
			}

			outcome := client.ConfirmIntent(context.Background(), "pi_2", "pi_2_secret")

			Expect(outcome).To(Equal(gateway.Succeeded{IntentID: "pi_2", ReceiptRef: "pi_2"}))
			Expect(gotPath).To(Equal("/v1/payment_intents/pi_2/confirm"))
			Expect(payload.ClientSecret).To(Equal("pi_2_secret"))
		})

		It("reports a still-processing intent as transient", func() {
			var method string
			handler = func(w http.ResponseWriter, r *http.Request) {
				method = r.Method
				respond(http.StatusOK, gateway.IntentResponse{ID: "pi_4", Status: gateway.IntentStatusProcessing})(w, r)
			}

			Expect(client.QueryIntent(context.Background(), "pi_4")).To(BeAssignableToTypeOf(gateway.TransientError{}))
			Expect(method).To(Equal(http.MethodGet))
		})

		It("requires an intent id", func() {
			Expect(client.ConfirmIntent(context.Background(), "", "x")).To(BeAssignableToTypeOf(gateway.FatalError{}))
			Expect(client.QueryIntent(context.Background(), "")).To(BeAssignableToTypeOf(gateway.FatalError{}))
		})
	})
})
