// Package sdk is the Go client for the acquiring gateway's merchant API.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://gateway.example.com",
//	    APIKey:  os.Getenv("GATEWAY_API_KEY"),
//	})
//
//	p, err := client.CreatePayment(ctx, idemKey, sdk.PaymentRequest{
//	    Amount:   "49.99",
//	    Currency: "USD",
//	    Card:     sdk.Card{Number: pan, ExpMonth: 12, ExpYear: 2030, CVV: "123"},
//	})
//
// A *ChallengeRequiredError return means the issuer wants 3-D Secure: send
// the cardholder to its ChallengeURL, then resubmit the same request with
// ThreeDSSessionID set and a fresh idempotency key.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the gateway endpoint, e.g. "https://gateway.example.com".
	BaseURL string

	// APIKey is the merchant key in "merchant_id.secret" form.
	APIKey string

	// Timeout for gateway calls (default 30s). Authorization calls block on
	// fraud scoring and the issuer, so keep this generous.
	Timeout time.Duration

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the gateway's merchant API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a gateway client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, httpClient: hc}
}

// CreatePayment authorizes a payment. The idempotency key makes retries safe:
// resubmitting the same key and body replays the original outcome without
// charging the card twice.
func (c *Client) CreatePayment(ctx context.Context, idempotencyKey string, req PaymentRequest) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", idempotencyKey, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPayment fetches one payment by ID.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(paymentID), "", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPayments pages through the merchant's payments. Status filters to one
// payment status when non-empty.
func (c *Client) ListPayments(ctx context.Context, status string, limit, offset int) (*PaymentList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	path := "/api/v1/payments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list PaymentList
	if err := c.do(ctx, http.MethodGet, path, "", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Capture settles an authorized payment under its own idempotency key. An
// empty amount captures the full authorized amount.
func (c *Client) Capture(ctx context.Context, idempotencyKey, paymentID, amount string) (*Payment, error) {
	return c.amountOp(ctx, idempotencyKey, paymentID, "capture", amount)
}

// Void cancels an authorization before capture.
func (c *Client) Void(ctx context.Context, idempotencyKey, paymentID string) (*Payment, error) {
	var p Payment
	path := "/api/v1/payments/" + url.PathEscape(paymentID) + "/void"
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Refund returns captured funds. An empty amount refunds the remaining
// captured balance; partial refunds may repeat until it is exhausted.
// Retrying with the same idempotency key replays the original refund.
func (c *Client) Refund(ctx context.Context, idempotencyKey, paymentID, amount string) (*RefundResult, error) {
	var body interface{}
	if amount != "" {
		body = map[string]string{"amount": amount}
	}
	var res RefundResult
	path := "/api/v1/payments/" + url.PathEscape(paymentID) + "/refund"
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PaymentEvents returns the payment's audit trail, oldest first.
func (c *Client) PaymentEvents(ctx context.Context, paymentID string) ([]*PaymentEvent, error) {
	var res struct {
		Events []*PaymentEvent `json:"events"`
	}
	path := "/api/v1/payments/" + url.PathEscape(paymentID) + "/events"
	if err := c.do(ctx, http.MethodGet, path, "", nil, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

// CompleteChallenge submits the cardholder's challenge response for a 3-DS
// session. On success the session carries the authentication proof and the
// original payment can be resubmitted with its session ID.
func (c *Client) CompleteChallenge(ctx context.Context, sessionID, response string) (*ThreeDSSession, error) {
	var s ThreeDSSession
	path := "/api/v1/3ds/sessions/" + url.PathEscape(sessionID) + "/complete"
	body := map[string]string{"response": response}
	if err := c.do(ctx, http.MethodPost, path, "", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetThreeDSSession polls a challenge session's state.
func (c *Client) GetThreeDSSession(ctx context.Context, sessionID string) (*ThreeDSSession, error) {
	var s ThreeDSSession
	path := "/api/v1/3ds/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RegisterWebhook subscribes a URL to payment events. Deliveries are signed
// with the given secret; verify them with VerifyWebhook.
func (c *Client) RegisterWebhook(ctx context.Context, req WebhookRequest) (*WebhookEndpoint, error) {
	var ep WebhookEndpoint
	if err := c.do(ctx, http.MethodPost, "/api/v1/webhooks", "", req, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

// ListWebhooks returns the merchant's registered endpoints.
func (c *Client) ListWebhooks(ctx context.Context) ([]*WebhookEndpoint, error) {
	var res struct {
		Endpoints []*WebhookEndpoint `json:"endpoints"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/webhooks", "", nil, &res); err != nil {
		return nil, err
	}
	return res.Endpoints, nil
}

// DeleteWebhook removes an endpoint.
func (c *Client) DeleteWebhook(ctx context.Context, endpointID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/webhooks/"+url.PathEscape(endpointID), "", nil, nil)
}

// FXQuote converts an amount between currencies at the gateway's cached rate.
// Quotes are indicative, not a settlement guarantee.
func (c *Client) FXQuote(ctx context.Context, amount, from, to string) (*FXQuote, error) {
	q := url.Values{"amount": {amount}, "from": {from}, "to": {to}}
	var quote FXQuote
	if err := c.do(ctx, http.MethodGet, "/api/v1/fx/quote?"+q.Encode(), "", nil, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func (c *Client) amountOp(ctx context.Context, idempotencyKey, paymentID, op, amount string) (*Payment, error) {
	var body interface{}
	if amount != "" {
		body = map[string]string{"amount": amount}
	}
	var p Payment
	path := "/api/v1/payments/" + url.PathEscape(paymentID) + "/" + op
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sdk: marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("sdk: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: gateway request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sdk: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("sdk: parse response: %w", err)
	}
	return nil
}

func parseAPIError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code         string `json:"code"`
			Message      string `json:"message"`
			SessionID    string `json:"three_ds_session_id"`
			ChallengeURL string `json:"challenge_url"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		return &APIError{Status: status, Code: "UNKNOWN", Message: string(body)}
	}
	if status == http.StatusPaymentRequired && envelope.Error.SessionID != "" {
		return &ChallengeRequiredError{
			SessionID:    envelope.Error.SessionID,
			ChallengeURL: envelope.Error.ChallengeURL,
			Message:      envelope.Error.Message,
		}
	}
	return &APIError{Status: status, Code: envelope.Error.Code, Message: envelope.Error.Message}
}
