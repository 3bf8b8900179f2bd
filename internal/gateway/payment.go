// Package gateway implements the external payment collaborator over its
// JSON HTTP API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kevag4/fieldbooking/internal/app"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// Client talks to the payment gateway. Network failures and 5xx responses
// surface as transient GatewayErrors so the orchestrator retries; 4xx
// responses are terminal declines.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

const defaultTimeout = 10 * time.Second

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type intentResponse struct {
	Ref              string `json:"ref"`
	Status           string `json:"status"`
	AuthorizedAmount int64  `json:"authorized_amount"`
	CapturedAmount   int64  `json:"captured_amount"`
	Reason           string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) Authorize(ctx context.Context, reservationID string, amount int64) (app.GatewayIntent, error) {
	body := map[string]any{
		"reference": reservationID,
		"amount":    amount,
	}
	var resp intentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/intents", body, &resp); err != nil {
		return app.GatewayIntent{}, err
	}
	return toIntent(resp), nil
}

func (c *Client) Capture(ctx context.Context, intentRef string, amount, platformFee int64, payoutAccount string) error {
	// Fee retention and owner payout travel in one request so the split is
	// atomic at the gateway.
	body := map[string]any{
		"amount":         amount,
		"platform_fee":   platformFee,
		"payout_account": payoutAccount,
	}
	return c.do(ctx, http.MethodPost, "/v1/intents/"+intentRef+"/capture", body, nil)
}

func (c *Client) Cancel(ctx context.Context, intentRef, reason string) error {
	body := map[string]any{"reason": reason}
	return c.do(ctx, http.MethodPost, "/v1/intents/"+intentRef+"/cancel", body, nil)
}

type refundResponse struct {
	Ref string `json:"ref"`
}

func (c *Client) Refund(ctx context.Context, intentRef string, amount int64, reason string) (string, error) {
	body := map[string]any{
		"amount": amount,
		"reason": reason,
	}
	var resp refundResponse
	if err := c.do(ctx, http.MethodPost, "/v1/intents/"+intentRef+"/refunds", body, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (c *Client) GetIntent(ctx context.Context, intentRef string) (app.GatewayIntent, error) {
	var resp intentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/intents/"+intentRef, nil, &resp); err != nil {
		return app.GatewayIntent{}, err
	}
	return toIntent(resp), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.GatewayError{Reason: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &domain.GatewayError{Reason: fmt.Sprintf("gateway returned %d", resp.StatusCode), Transient: true}
	}
	if resp.StatusCode >= 400 {
		var ge errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&ge)
		reason := ge.Error
		if reason == "" {
			reason = fmt.Sprintf("gateway returned %d", resp.StatusCode)
		}
		return &domain.GatewayError{Reason: reason}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func toIntent(r intentResponse) app.GatewayIntent {
	return app.GatewayIntent{
		Ref:              r.Ref,
		Status:           app.GatewayIntentStatus(r.Status),
		AuthorizedAmount: r.AuthorizedAmount,
		CapturedAmount:   r.CapturedAmount,
		Reason:           r.Reason,
	}
}
