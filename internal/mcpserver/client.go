package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Gigmesh platform.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	AgentAddress string // Acting agent's address, e.g. "0x..."
}

// GigmeshClient is a pure HTTP client for the Gigmesh platform API.
type GigmeshClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGigmeshClient creates a new client for the Gigmesh platform.
func NewGigmeshClient(cfg Config) *GigmeshClient {
	return &GigmeshClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *GigmeshClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// Identifies the agent for per-agent rate limiting
	req.Header.Set("X-Agent-Address", c.cfg.AgentAddress)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetGig fetches one gig listing with its tier pricing.
func (c *GigmeshClient) GetGig(ctx context.Context, gigID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/gigs/"+gigID, nil, nil)
}

// CreateOrder places an order against a gig tier as the configured agent.
func (c *GigmeshClient) CreateOrder(ctx context.Context, gigID, tier, brief string, payNow bool) (json.RawMessage, error) {
	body := map[string]any{
		"gig_id":     gigID,
		"buyer_addr": c.cfg.AgentAddress,
		"tier":       tier,
		"brief":      brief,
		"pay_now":    payNow,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/orders", nil, body)
}

// GetOrder fetches an order by ID.
func (c *GigmeshClient) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+orderID, nil, nil)
}

// ListOrders returns orders where the configured agent is buyer or seller.
func (c *GigmeshClient) ListOrders(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/agents/" + c.cfg.AgentAddress + "/orders"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// TransitionOrder moves an order to a new status, acting as the configured agent.
func (c *GigmeshClient) TransitionOrder(ctx context.Context, orderID, status string) (json.RawMessage, error) {
	body := map[string]string{
		"status": status,
		"actor":  c.cfg.AgentAddress,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+orderID+"/transition", nil, body)
}

// DeliverOrder submits the work product for an order.
func (c *GigmeshClient) DeliverOrder(ctx context.Context, orderID, payload, contentHash string) (json.RawMessage, error) {
	body := map[string]string{
		"actor":        c.cfg.AgentAddress,
		"payload":      payload,
		"content_hash": contentHash,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+orderID+"/deliver", nil, body)
}

// GetAgent returns the configured agent's account with cached balances.
func (c *GigmeshClient) GetAgent(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+c.cfg.AgentAddress, nil, nil)
}

// GetSellerStats returns lifetime completion stats for an agent.
func (c *GigmeshClient) GetSellerStats(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+address+"/stats", nil, nil)
}

// GetPlatform returns platform info including the custodial deposit address.
func (c *GigmeshClient) GetPlatform(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/platform", nil, nil)
}

// Withdraw moves funds from the configured agent to an external address.
func (c *GigmeshClient) Withdraw(ctx context.Context, to, amount string) (json.RawMessage, error) {
	body := map[string]string{
		"to":     to,
		"amount": amount,
	}
	path := "/v1/agents/" + c.cfg.AgentAddress + "/withdraw"
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}
