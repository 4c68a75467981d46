// Package pricingengine calls the external tariff engine that turns case
// facts into priced line items.
package pricingengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/quote-desk/internal/resilience"
)

const defaultBaseURL = "http://localhost:9100"

// Client prices a set of case facts.
type Client interface {
	Price(ctx context.Context, req PriceRequest) (*PriceResponse, error)
}

// PriceRequest is the request body for POST /v1/price.
type PriceRequest struct {
	CaseID      string          `json:"case_id"`
	RunNumber   int             `json:"run_number"`
	RequestType string          `json:"request_type,omitempty"`
	Facts       json.RawMessage `json:"facts"`
}

// Line is one priced charge.
type Line struct {
	Code        string  `json:"code,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
}

// Totals are the priced amounts before and after tax.
type Totals struct {
	HT  float64 `json:"ht"`
	TTC float64 `json:"ttc"`
}

// PriceResponse is the engine's answer. Raw holds the undecoded body,
// historical suggestions included.
type PriceResponse struct {
	Lines    []Line          `json:"lines"`
	Totals   Totals          `json:"totals"`
	Currency string          `json:"currency"`
	Raw      json.RawMessage `json:"-"`
}

// RejectedError reports input the engine refused to price. Retrying the same
// input will not help.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("pricingengine: rejected (status %d): %s", e.StatusCode, e.Reason)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default engine base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit throttles engine calls to rps requests per second. A
// non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a pricing engine client. Per-call timeouts are left to
// the caller's context.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Price(ctx context.Context, req PriceRequest) (*PriceResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "pricingengine: rate limit")
		}
	}

	if len(req.Facts) == 0 {
		req.Facts = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "pricingengine: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/price", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "pricingengine: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "pricingengine: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pricingengine: read response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resilience.IsTransientHTTPStatus(resp.StatusCode) || resp.StatusCode >= 500:
		return nil, resilience.NewTransientError(
			eris.Errorf("pricingengine: unexpected status %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode,
		)
	default:
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: rejectionReason(respBody)}
	}

	var result PriceResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "pricingengine: unmarshal response")
	}
	result.Raw = json.RawMessage(respBody)
	return &result, nil
}

func rejectionReason(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(body)
}
