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
	"strings"
	"time"

	"github.com/mbd888/peopledesk/internal/auth"
	"github.com/mbd888/peopledesk/internal/retry"
)

// Config describes the landlord API the tools talk to.
type Config struct {
	APIURL      string        // e.g. "http://localhost:8080"
	AdminSecret string        // sent as X-Admin-Secret
	Timeout     time.Duration // per request; 30s when zero
	Retries     int           // extra attempts for reads on 429, 5xx or transport errors
}

// Client calls the landlord admin API over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	reads      retry.Policy
}

func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		reads: retry.Policy{
			MaxAttempts: cfg.Retries + 1,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Retryable:   retry.TransientHTTP,
		},
	}
}

// APIError is a non-2xx reply from the landlord.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Unwrap exposes the status so retry.TransientHTTP can classify it.
func (e *APIError) Unwrap() error { return &retry.StatusError{Code: e.Status} }

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	if method != http.MethodGet {
		return c.send(ctx, method, path, query, body)
	}
	var out json.RawMessage
	err := c.reads.Do(ctx, func() error {
		var err error
		out, err = c.send(ctx, method, path, query, nil)
		return err
	})
	return out, err
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	u.RawQuery = query.Encode()

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
	req.Header.Set("Accept", "application/json")
	if c.cfg.AdminSecret != "" {
		req.Header.Set(auth.HeaderAdminSecret, c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}
	return json.RawMessage(respBody), nil
}

// ListPackages returns the package catalog.
func (c *Client) ListPackages(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/packages", nil, nil)
}

// ListTenants lists the tenant directory.
func (c *Client) ListTenants(ctx context.Context, packageID int64, status string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if packageID > 0 {
		q.Set("packageId", strconv.FormatInt(packageID, 10))
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/tenants", q, nil)
}

// GetTenant returns one tenant with its customer, domain and package.
func (c *Client) GetTenant(ctx context.Context, tenantID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/tenants/"+url.PathEscape(tenantID), nil, nil)
}

// SwitchPackage moves a tenant onto another package.
func (c *Client) SwitchPackage(ctx context.Context, tenantID string, packageID int64) (json.RawMessage, error) {
	path := "/v1/admin/tenants/" + url.PathEscape(tenantID) + "/package"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]int64{"packageId": packageID})
}

// Renew sets a tenant's subscription terms.
func (c *Client) Renew(ctx context.Context, tenantID, expiryDate, subscriptionType string) (json.RawMessage, error) {
	path := "/v1/admin/tenants/" + url.PathEscape(tenantID) + "/renew"
	body := map[string]string{
		"expiryDate":       expiryDate,
		"subscriptionType": subscriptionType,
	}
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// ConfirmPayment completes a pending signup or renewal paid offline.
func (c *Client) ConfirmPayment(ctx context.Context, correlationID, purpose string) (json.RawMessage, error) {
	path := "/v1/admin/payments/" + url.PathEscape(correlationID) + "/confirm"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"purpose": purpose})
}

// DeleteTenant deprovisions a tenant.
func (c *Client) DeleteTenant(ctx context.Context, tenantID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodDelete, "/v1/admin/tenants/"+url.PathEscape(tenantID), nil, nil)
}

// Health returns the readiness report.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
}
