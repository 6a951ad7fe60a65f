package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gateway "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/paymentgateway"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to a payment-intents style REST gateway and folds every
// response, transport failure and timeout into a gateway.Outcome.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (c *Client) CreateIntent(ctx context.Context, req gateway.IntentRequest) gateway.Outcome {
	if err := req.Validate(); err != nil {
		c.logger.Error("create intent request validation failed", "error", err)
		return gateway.FatalError{Cause: fmt.Errorf("validation error: %w", err)}
	}

	payload := gateway.CreateIntentPayload{
		Amount:        req.Amount,
		Currency:      strings.ToLower(req.Currency),
		PaymentMethod: req.PaymentMethodID,
		Confirm:       true,
	}
	payload.Metadata.IdempotencyKey = req.IdempotencyKey

	c.logger.Info("gateway: creating payment intent",
		"idempotency_key", req.IdempotencyKey,
		"amount", req.Amount,
		"currency", req.Currency)

	return c.do(ctx, http.MethodPost, "/v1/payment_intents", req.IdempotencyKey, payload)
}

func (c *Client) ConfirmIntent(ctx context.Context, intentID, continuationToken string) gateway.Outcome {
	if intentID == "" {
		return gateway.FatalError{Cause: errors.New("intent id is required")}
	}

	c.logger.Info("gateway: confirming payment intent", "intent_id", intentID)

	path := fmt.Sprintf("/v1/payment_intents/%s/confirm", url.PathEscape(intentID))
	return c.do(ctx, http.MethodPost, path, "", gateway.ConfirmIntentPayload{ClientSecret: continuationToken})
}

func (c *Client) QueryIntent(ctx context.Context, intentID string) gateway.Outcome {
	if intentID == "" {
		return gateway.FatalError{Cause: errors.New("intent id is required")}
	}

	c.logger.Info("gateway: querying payment intent", "intent_id", intentID)

	path := fmt.Sprintf("/v1/payment_intents/%s", url.PathEscape(intentID))
	return c.do(ctx, http.MethodGet, path, "", nil)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body interface{}) gateway.Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return gateway.FatalError{Cause: fmt.Errorf("failed to marshal gateway request: %w", err)}
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return gateway.FatalError{Cause: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// timeouts and connection failures leave the charge state unknown
		c.logger.Warn("gateway: request failed",
			"method", method,
			"path", path,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return gateway.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gateway.TransientError{Cause: fmt.Errorf("failed to read gateway response: %w", err)}
	}

	outcome := outcomeFromResponse(resp.StatusCode, respBody)

	c.logger.Info("gateway: response received",
		"method", method,
		"path", path,
		"status_code", resp.StatusCode,
		"outcome", outcome.String(),
		"duration_ms", time.Since(start).Milliseconds())

	return outcome
}

func outcomeFromResponse(statusCode int, body []byte) gateway.Outcome {
	if statusCode >= 200 && statusCode < 300 {
		var intent gateway.IntentResponse
		if err := json.Unmarshal(body, &intent); err != nil {
			// the gateway accepted the call, so we cannot rule out a charge
			return gateway.TransientError{Cause: fmt.Errorf("failed to decode intent: %w", err)}
		}
		return outcomeFromIntent(intent)
	}

	var apiErr gateway.ErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	cause := fmt.Errorf("gateway returned status %d: %s", statusCode, apiErr.Error.Message)

	switch {
	case statusCode == http.StatusPaymentRequired:
		return gateway.Declined{ReasonCode: declineCode(&apiErr.Error, "card_declined"), Message: apiErr.Error.Message}
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusConflict,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return gateway.TransientError{Cause: cause}
	default:
		return gateway.FatalError{Cause: cause}
	}
}

func outcomeFromIntent(intent gateway.IntentResponse) gateway.Outcome {
	switch intent.Status {
	case gateway.IntentStatusSucceeded:
		receipt := intent.LatestCharge
		if receipt == "" {
			receipt = intent.ID
		}
		return gateway.Succeeded{IntentID: intent.ID, ReceiptRef: receipt}
	case gateway.IntentStatusRequiresAction, gateway.IntentStatusRequiresSourceAction:
		if intent.ClientSecret == "" {
			return gateway.FatalError{Cause: fmt.Errorf("intent %s requires action but has no client secret", intent.ID)}
		}
		return gateway.RequiresAction{IntentID: intent.ID, ContinuationToken: intent.ClientSecret}
	case gateway.IntentStatusRequiresPaymentMethod:
		return gateway.Declined{ReasonCode: declineCode(intent.LastPaymentError, "payment_method_failed"), Message: errorMessage(intent.LastPaymentError)}
	case gateway.IntentStatusCanceled:
		return gateway.Declined{ReasonCode: "canceled", Message: "payment was canceled"}
	case gateway.IntentStatusProcessing, gateway.IntentStatusRequiresConfirmation:
		return gateway.TransientError{Cause: fmt.Errorf("intent %s is still %s", intent.ID, intent.Status)}
	default:
		return gateway.FatalError{Cause: fmt.Errorf("intent %s has unknown status %q", intent.ID, intent.Status)}
	}
}

func declineCode(body *gateway.ErrorBody, fallback string) string {
	if body == nil {
		return fallback
	}
	if body.DeclineCode != "" {
		return body.DeclineCode
	}
	if body.Code != "" {
		return body.Code
	}
	return fallback
}

func errorMessage(body *gateway.ErrorBody) string {
	if body == nil {
		return ""
	}
	return body.Message
}
