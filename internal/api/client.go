// Package api is the client for the marketplace REST backend. The server
// is authoritative for balances and tips; this client only fetches and
// submits.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"walletsync/internal/logger"
	"walletsync/internal/money"
)

const (
	// DefaultTimeout bounds a single request
	DefaultTimeout = 15 * time.Second

	// ProbeTimeout bounds a connectivity probe
	ProbeTimeout = 5 * time.Second

	maxResponseBytes = 1 << 20
)

// Options configures a Client
type Options struct {
	BaseURL string
	// FallbackProbeURL is probed when the API health check fails, to tell
	// a server outage from a network outage
	FallbackProbeURL string
	Token            string
	Timeout          time.Duration
	Retry            RetryPolicy
	HTTPClient       *http.Client
}

// Client talks to the REST backend
type Client struct {
	baseURL       string
	fallbackProbe string
	token         string
	retry         RetryPolicy
	http          *http.Client
}

// TipResponse is the server's verdict on a tip
type TipResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Connectivity is the outcome of a probe
type Connectivity struct {
	API     bool `json:"api"`
	Network bool `json:"network"`
}

// NewClient creates a Client
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		fallbackProbe: opts.FallbackProbeURL,
		token:         opts.Token,
		retry:         opts.Retry.withDefaults(),
		http:          httpClient,
	}
}

// GetBalance returns the canonical balance for (username, role). Transient
// failures are retried per the client's policy.
func (c *Client) GetBalance(ctx context.Context, username, role string) (float64, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("role", role)

	var resp struct {
		Balance *float64 `json:"balance"`
	}
	err := Retry(ctx, c.retry, "get_balance", func() error {
		return c.do(ctx, http.MethodGet, "/api/wallet/balance?"+q.Encode(), nil, &resp)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", username, err)
	}
	if resp.Balance == nil || !money.IsFinite(*resp.Balance) {
		return 0, fmt.Errorf("balance missing from response for %s", username)
	}
	return *resp.Balance, nil
}

// SubmitTip sends one tip request. It is never retried: a failure is
// reported to the user, who decides whether to try again. The amount is
// rounded to cents here and nowhere else.
func (c *Client) SubmitTip(ctx context.Context, recipient string, amount float64) (TipResponse, error) {
	body := map[string]any{
		"recipient": recipient,
		"amount":    money.Round2(amount),
	}

	var resp TipResponse
	if err := c.do(ctx, http.MethodPost, "/api/tips", body, &resp); err != nil {
		logger.Debug(recipient, "tip_request_failed", "error="+err.Error())
		return TipResponse{}, err
	}
	return resp, nil
}

// Transactions returns the user's canonical transaction history as
// delivered by the server
func (c *Client) Transactions(ctx context.Context, username string) ([]json.RawMessage, error) {
	var resp struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	err := Retry(ctx, c.retry, "transactions", func() error {
		return c.do(ctx, http.MethodGet, "/api/transactions?username="+url.QueryEscape(username), nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for %s: %w", username, err)
	}
	if resp.Transactions == nil {
		resp.Transactions = []json.RawMessage{}
	}
	return resp.Transactions, nil
}

// CheckConnectivity probes the API health endpoint and, when that fails,
// the fallback target. Each probe is abandoned after ProbeTimeout.
func (c *Client) CheckConnectivity(ctx context.Context) Connectivity {
	if c.probe(ctx, c.baseURL+"/health") {
		return Connectivity{API: true, Network: true}
	}
	if c.fallbackProbe == "" {
		return Connectivity{}
	}
	network := c.probe(ctx, c.fallbackProbe)
	logger.Debug("api", "connectivity_degraded", fmt.Sprintf("api=false network=%v", network))
	return Connectivity{Network: network}
}

func (c *Client) probe(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Debug("api", "probe_failed", fmt.Sprintf("target=%s error=%s", target, err.Error()))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode < http.StatusInternalServerError
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Message: gjson.GetBytes(data, "message").String()}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}
