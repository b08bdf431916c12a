// Package relay is the client for the fee-sponsoring transaction relay.
//
// Custody contract accounts hold no native currency, so their outbound
// calls go through a relay service that wraps the call, pays gas, and
// submits it. Requests carry the account's init code so the relay can
// deploy the contract lazily on first use.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrNotConfigured = errors.New("relay: no relay URL configured")
	ErrUnavailable   = errors.New("relay: service unavailable")
)

// RequestError is a rejection from the relay (bad request, policy refusal).
// It is never retryable.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("relay: request rejected (%d): %s", e.StatusCode, e.Message)
}

// ExecuteRequest asks the relay to run one call from a custody account.
type ExecuteRequest struct {
	Account  string `json:"account"`             // Custody account address
	InitCode string `json:"init_code,omitempty"` // Deployment init code, hex; relay deploys if account has no code
	To       string `json:"to"`                  // Call target
	Data     string `json:"data"`                // Calldata, hex
	// Owner signatures over the call. The relay submits them to the
	// account contract, which enforces its co-signer threshold.
	Signatures []string `json:"signatures"`
}

// ExecuteResult is the relay's acceptance of a request.
type ExecuteResult struct {
	TxHash   string `json:"tx_hash"`
	Deployed bool   `json:"deployed"` // True when this call also deployed the account
}

// Client talks to one relay endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a relay client. baseURL may be empty; Execute then fails
// with ErrNotConfigured, which lets centralized deployments run without
// a relay at all.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient overrides the HTTP client (useful for testing).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Execute submits a sponsored call and returns the relay's transaction hash.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errBody)
		if errBody.Error == "" {
			errBody.Error = string(respBody)
		}
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	var result ExecuteResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("relay: decode response: %w", err)
	}
	if result.TxHash == "" {
		return nil, fmt.Errorf("relay: response missing tx_hash")
	}
	return &result, nil
}

// IsRetryable reports whether a relay error is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
