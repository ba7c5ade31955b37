// Package exthost is a Go client for the extension host management API and a helper for
// receiving signed webhook deliveries.
package exthost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"ExtensionHost/pkg/plugin"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Archive uploads are small, so it stays short.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultActorHeader carries the operator recorded in audit entries.
const DefaultActorHeader = "X-User-ID"

// Client wraps the HTTP interactions with the management API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	actor string
	token string
}

// InstallResult is returned by Install and Upgrade.
type InstallResult struct {
	Installation *plugin.Installation `json:"installation"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// PluginDetail is the installation together with the plugin version it runs.
type PluginDetail struct {
	Installation *plugin.Installation `json:"installation"`
	Plugin       *plugin.Plugin       `json:"plugin"`
}

// JobResult is the outcome of a manual job run.
type JobResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// EgressPolicy is a tenant's outbound allow-list and deny-list.
type EgressPolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// DeadLetter is a webhook delivery that exhausted its retry budget.
type DeadLetter struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	TenantID       string    `json:"tenant_id"`
	Plugin         string    `json:"plugin"`
	InstallationID string    `json:"installation_id"`
	WebhookID      string    `json:"webhook_id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	URL            string    `json:"url"`
	Attempts       int       `json:"attempts"`
	LastStatus     int       `json:"last_status"`
	LastError      string    `json:"last_error"`
	FailedAt       time.Time `json:"failed_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	code := e.Code
	if code == "" {
		code = e.Kind
	}
	if code != "" {
		return fmt.Sprintf("exthost api error (%d): %s - %s", e.StatusCode, code, e.Message)
	}
	return fmt.Sprintf("exthost api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client with a
// sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token used when the host requires management authentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SetActor sets the operator name sent with every request.
func (c *Client) SetActor(actor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actor = actor
}

func pluginsPath(tenantID string, parts ...string) string {
	elems := append([]string{"/api/v1/tenants", url.PathEscape(tenantID), "plugins"}, parts...)
	return path.Join(elems...)
}

// Install uploads a package archive. The new installation starts disabled.
func (c *Client) Install(ctx context.Context, tenantID string, archive []byte) (InstallResult, error) {
	var out InstallResult
	err := c.send(ctx, http.MethodPost, pluginsPath(tenantID), "application/octet-stream", bytes.NewReader(archive), &out)
	return out, err
}

// Upgrade moves an installation to a newer package version.
func (c *Client) Upgrade(ctx context.Context, tenantID, slug string, archive []byte) (InstallResult, error) {
	var out InstallResult
	err := c.send(ctx, http.MethodPut, pluginsPath(tenantID, slug), "application/octet-stream", bytes.NewReader(archive), &out)
	return out, err
}

// List returns the tenant's installations.
func (c *Client) List(ctx context.Context, tenantID string) ([]plugin.Installation, error) {
	var out []plugin.Installation
	err := c.send(ctx, http.MethodGet, pluginsPath(tenantID), "", nil, &out)
	return out, err
}

// Get returns one installation with its plugin record.
func (c *Client) Get(ctx context.Context, tenantID, slug string) (PluginDetail, error) {
	var out PluginDetail
	err := c.send(ctx, http.MethodGet, pluginsPath(tenantID, slug), "", nil, &out)
	return out, err
}

// Enable publishes the plugin's routes, hooks, jobs and webhooks.
func (c *Client) Enable(ctx context.Context, tenantID, slug string) (plugin.Installation, error) {
	var out plugin.Installation
	err := c.send(ctx, http.MethodPost, pluginsPath(tenantID, slug, "enable"), "", nil, &out)
	return out, err
}

// Disable withdraws the plugin's bindings.
func (c *Client) Disable(ctx context.Context, tenantID, slug string) (plugin.Installation, error) {
	var out plugin.Installation
	err := c.send(ctx, http.MethodPost, pluginsPath(tenantID, slug, "disable"), "", nil, &out)
	return out, err
}

// Uninstall removes the installation and its secrets.
func (c *Client) Uninstall(ctx context.Context, tenantID, slug string) error {
	return c.send(ctx, http.MethodDelete, pluginsPath(tenantID, slug), "", nil, nil)
}

// RunJob runs a declared job once. A handler failure is reported as *APIError.
func (c *Client) RunJob(ctx context.Context, tenantID, slug, job string) (JobResult, error) {
	var out JobResult
	err := c.send(ctx, http.MethodPost, pluginsPath(tenantID, slug, "jobs", job, "run"), "", nil, &out)
	return out, err
}

// SetSecret stores a secret for the installation.
func (c *Client) SetSecret(ctx context.Context, tenantID, slug, key, value string) error {
	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.send(ctx, http.MethodPut, pluginsPath(tenantID, slug, "secrets", key), "application/json", bytes.NewReader(body), nil)
}

// DeleteSecret removes a secret.
func (c *Client) DeleteSecret(ctx context.Context, tenantID, slug, key string) error {
	return c.send(ctx, http.MethodDelete, pluginsPath(tenantID, slug, "secrets", key), "", nil, nil)
}

// SecretKeys lists the secret names of an installation. Values are never returned.
func (c *Client) SecretKeys(ctx context.Context, tenantID, slug string) ([]string, error) {
	var out struct {
		Keys []string `json:"keys"`
	}
	err := c.send(ctx, http.MethodGet, pluginsPath(tenantID, slug, "secrets"), "", nil, &out)
	return out.Keys, err
}

// SetEgressPolicy replaces the tenant's outbound policy.
func (c *Client) SetEgressPolicy(ctx context.Context, tenantID string, p EgressPolicy) (EgressPolicy, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return EgressPolicy{}, fmt.Errorf("encode request: %w", err)
	}
	var out EgressPolicy
	err = c.send(ctx, http.MethodPut, path.Join("/api/v1/tenants", url.PathEscape(tenantID), "egress"), "application/json", bytes.NewReader(body), &out)
	return out, err
}

// DeadLetters lists the newest dead-lettered deliveries. limit <= 0 uses the server default.
func (c *Client) DeadLetters(ctx context.Context, tenantID string, limit int) ([]DeadLetter, error) {
	endpoint := path.Join("/api/v1/tenants", url.PathEscape(tenantID), "deadletters")
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out []DeadLetter
	err := c.send(ctx, http.MethodGet, endpoint, "", nil, &out)
	return out, err
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	ref.Path = path.Join(c.baseURL.Path, ref.Path)
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.mu.RLock()
	if c.actor != "" {
		req.Header.Set(DefaultActorHeader, c.actor)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()
	return c.do(req, out)
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
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
