package egress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	xerrors "ExtensionHost/internal/errors"
)

// Request is an outbound call issued on behalf of a tenant.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is the buffered result of an outbound call.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"-"`
	Latency time.Duration     `json:"-"`
}

// Client performs HTTP calls only after the gate approves the target, including every redirect hop.
type Client struct {
	gate    *Gate
	http    *http.Client
	maxBody int64
	timeout time.Duration
	maxHops int
}

// ClientConfig tunes the outbound client.
type ClientConfig struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	MaxRedirects     int
	Transport        http.RoundTripper
}

type tenantKey struct{}

// NewClient builds a gated client.
func NewClient(gate *Gate, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 1 << 20
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 nil,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
		}
	}
	c := &Client{gate: gate, maxBody: cfg.MaxResponseBytes, timeout: cfg.Timeout, maxHops: cfg.MaxRedirects}
	c.http = &http.Client{Transport: transport, CheckRedirect: c.checkRedirect}
	return c
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= c.maxHops {
		return fmt.Errorf("stopped after %d redirects", c.maxHops)
	}
	tenantID, _ := req.Context().Value(tenantKey{}).(string)
	return c.gate.Check(tenantID, req.URL.String())
}

// Do checks the gate and performs the call. Policy denials return EGRESS_BLOCKED without touching the network.
func (c *Client) Do(ctx context.Context, tenantID string, r Request) (*Response, error) {
	if err := c.gate.Check(tenantID, r.URL); err != nil {
		return nil, err
	}
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := c.timeout
	if r.Timeout > 0 && r.Timeout < timeout {
		timeout = r.Timeout
	}
	ctx, cancel := context.WithTimeout(context.WithValue(ctx, tenantKey{}, tenantID), timeout)
	defer cancel()

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid outbound request")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "ExtensionHost/1")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if blocked, ok := xerrors.From(err); ok && blocked.Code() == xerrors.CodeEgressBlocked {
			return nil, blocked
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "outbound request timed out")
		}
		return nil, fmt.Errorf("outbound request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read outbound response: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, xerrors.New(xerrors.CodeLimitExceeded, fmt.Sprintf("response body exceeds %d bytes", c.maxBody))
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &Response{Status: resp.StatusCode, Headers: headers, Body: data, Latency: time.Since(start)}, nil
}
