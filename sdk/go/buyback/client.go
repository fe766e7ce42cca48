// Package buyback provides a lightweight Go client for the buy-back daemon
// REST API. It has no dependency on the daemon internals so it can be vendored
// into operator tooling as-is.
package buyback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the buy-back daemon REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// PoolKey identifies the swap pool a buy-back executes against. Currency0 is
// the target token and Currency1 the reward token, both hex addresses.
type PoolKey struct {
	Currency0   string `json:"currency0"`
	Currency1   string `json:"currency1"`
	Fee         uint32 `json:"fee"`
	TickSpacing int32  `json:"tick_spacing"`
	Hooks       string `json:"hooks,omitempty"`
}

// Submission represents the payload required to create a new buy-back job.
// Amounts are decimal strings in the token's smallest unit.
type Submission struct {
	ID           string  `json:"id,omitempty"`
	Pool         PoolKey `json:"pool"`
	AmountIn     string  `json:"amount_in"`
	MinAmountOut string  `json:"min_amount_out,omitempty"`
	ClaimFirst   bool    `json:"claim_first,omitempty"`
}

// Result contains the on-chain outcome of a finished buy-back job.
type Result struct {
	AmountOut string `json:"amount_out"`
	Claimed   string `json:"claimed"`
	TxHash    string `json:"tx_hash"`
	PoolID    string `json:"pool_id"`
}

// Job is the server-side view of a queued buy-back.
type Job struct {
	ID           string  `json:"id"`
	Pool         PoolKey `json:"pool"`
	AmountIn     string  `json:"amount_in"`
	MinAmountOut string  `json:"min_amount_out"`
	ClaimFirst   bool    `json:"claim_first"`
	Status       string  `json:"status"`
	Attempts     int     `json:"attempts"`
	MaxRetries   int     `json:"max_retries"`
	LastError    string  `json:"last_error,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	Result       *Result `json:"result,omitempty"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

// Job statuses reported by the daemon.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Stats aggregates job counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}

// ClaimOutcome is the response of a reward claim.
type ClaimOutcome struct {
	Claimed string `json:"claimed"`
}

// WithdrawOutcome is the response of a target-token withdrawal.
type WithdrawOutcome struct {
	Amount string `json:"amount"`
	To     string `json:"to"`
	TxHash string `json:"tx_hash,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("buyback api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("buyback api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the buy-back daemon API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores the bearer token used for subsequent calls. Tokens are
// provisioned out of band by the daemon operator.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitBuyBack creates a new buy-back job.
func (c *Client) SubmitBuyBack(ctx context.Context, submission Submission) (Job, error) {
	var created Job
	if err := c.post(ctx, "/api/v1/buybacks", submission, &created); err != nil {
		return Job{}, err
	}
	return created, nil
}

// GetBuyBack fetches a buy-back job by identifier.
func (c *Client) GetBuyBack(ctx context.Context, id string) (Job, error) {
	var found Job
	endpoint := fmt.Sprintf("/api/v1/buybacks?id=%s", url.QueryEscape(id))
	if err := c.get(ctx, endpoint, &found); err != nil {
		return Job{}, err
	}
	return found, nil
}

// ListBuyBacks returns jobs matching the provided query values, e.g.
// {"status": "failed", "limit": "50"}.
func (c *Client) ListBuyBacks(ctx context.Context, query map[string]string) ([]Job, error) {
	values := url.Values{}
	for key, value := range query {
		if key == "id" {
			continue
		}
		values.Set(key, value)
	}
	endpoint := "/api/v1/buybacks"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var jobs []Job
	if err := c.get(ctx, endpoint, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetStats returns aggregate job counts.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/buybacks/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// ClaimRewards asks the daemon to settle pending governance rewards.
func (c *Client) ClaimRewards(ctx context.Context) (ClaimOutcome, error) {
	var outcome ClaimOutcome
	if err := c.post(ctx, "/api/v1/claims", struct{}{}, &outcome); err != nil {
		return ClaimOutcome{}, err
	}
	return outcome, nil
}

// Withdraw transfers the daemon's entire target-token balance. An empty
// recipient defaults to the owner address.
func (c *Client) Withdraw(ctx context.Context, to string) (WithdrawOutcome, error) {
	payload := struct {
		To string `json:"to,omitempty"`
	}{To: to}
	var outcome WithdrawOutcome
	if err := c.post(ctx, "/api/v1/withdrawals", payload, &outcome); err != nil {
		return WithdrawOutcome{}, err
	}
	return outcome, nil
}

// GetOwner returns the current owner address.
func (c *Client) GetOwner(ctx context.Context) (string, error) {
	var resp struct {
		Owner string `json:"owner"`
	}
	if err := c.get(ctx, "/api/v1/owner", &resp); err != nil {
		return "", err
	}
	return resp.Owner, nil
}

// WaitUntilCompleted polls the job until it reaches a terminal status or the
// context is cancelled.
func (c *Client) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		found, err := c.GetBuyBack(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if found.Status == StatusSucceeded || found.Status == StatusFailed {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
