// Package transport sends replayed requests over net/http.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/request"
)

// ErrClientClosed indicates the client has been shut down.
var ErrClientClosed = errors.New("transport client is closed")

// Options configures the client.
type Options struct {
	Timeout               time.Duration
	Retries               int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	TLSInsecureSkipVerify bool
	// MaxBodyBytes caps how much of a response body is read (0 = unlimited).
	MaxBodyBytes int64
	// BaseURL replaces scheme and host of every request when set.
	BaseURL string
	// HeaderBlacklist lists extra lower-case header names never sent.
	HeaderBlacklist []string
}

// OptionsFromConfig converts the transport config section.
func OptionsFromConfig(cfg *config.TransportConfig) Options {
	return Options{
		Timeout:               time.Duration(cfg.Timeout) * time.Second,
		Retries:               cfg.MaxRetries,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.IdleConnTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeout) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.TLSHandshakeTimeout) * time.Second,
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		MaxBodyBytes:          cfg.MaxBodyBytes,
		BaseURL:               cfg.BaseURL,
		HeaderBlacklist:       cfg.HeaderBlacklist,
	}
}

// skipHeaders are never copied onto outgoing requests.
var skipHeaders = map[string]bool{
	"host":                true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"content-length":      true,
}

// Client replays captured requests. Redirects are not followed so that
// every recorded hop is replayed as its own step.
type Client struct {
	client  *http.Client
	http1   *http.Client
	logger  logger.Logger
	retries int
	maxBody int64
	base    *url.URL
	blocked map[string]bool

	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	activeCalls int
}

// New creates a client.
func New(log logger.Logger, opts Options) (*Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	var base *url.URL
	if opts.BaseURL != "" {
		parsed, err := url.Parse(opts.BaseURL)
		if err != nil || !parsed.IsAbs() {
			return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
		}
		base = parsed
	}

	c := &Client{
		client:  newHTTPClient(opts, true),
		http1:   newHTTPClient(opts, false),
		logger:  log,
		retries: opts.Retries,
		maxBody: opts.MaxBodyBytes,
		base:    base,
		blocked: make(map[string]bool, len(opts.HeaderBlacklist)),
	}
	for _, h := range opts.HeaderBlacklist {
		c.blocked[strings.ToLower(strings.TrimSpace(h))] = true
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

func newHTTPClient(opts Options, allowHTTP2 bool) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, 10),
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(opts.ResponseHeaderTimeout, 15*time.Second),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     allowHTTP2,
		DisableCompression:    true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}
	if !allowHTTP2 {
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Do sends req and returns the live response. Any status code is a
// successful call; only transport failures are errors, retried with
// exponential backoff.
func (c *Client) Do(ctx context.Context, req *request.CapturedRequest) (*request.CapturedResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.activeCalls++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.activeCalls--
		if c.activeCalls == 0 {
			c.cond.Broadcast()
		}
		c.mu.Unlock()
	}()

	target, err := c.targetURL(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.send(ctx, req, target)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("Replay attempt failed",
			"url", target,
			"error", err.Error(),
			"attempt", attempt+1,
		)
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, data *request.CapturedRequest, target string) (*request.CapturedResponse, error) {
	var body io.Reader = http.NoBody
	if data.Body != "" {
		body = bytes.NewReader([]byte(data.Body))
	}
	req, err := http.NewRequestWithContext(ctx, string(data.Method), target, body)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	for key, value := range data.Headers {
		if c.shouldSendHeader(key) {
			req.Header.Set(key, value)
		}
	}
	if len(data.Cookies) > 0 {
		req.Header.Del("Cookie")
		req.Header.Set("Cookie", cookieHeader(data.Cookies))
	}

	client := c.client
	if strings.HasPrefix(strings.ToUpper(data.RequestVersion), "HTTP/1") {
		client = c.http1
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("Failed to close response body", "error", cerr)
		}
	}()

	var reader io.Reader = resp.Body
	if c.maxBody > 0 {
		reader = io.LimitReader(reader, c.maxBody)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := flattenHeaders(resp.Header)
	decoded, err := decodeBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		c.logger.Warn("Failed to decode response body", "url", target, "error", err)
	} else if decoded != nil {
		raw = decoded
		deleteFold(headers, "Content-Encoding")
		deleteFold(headers, "Content-Length")
	}
	raw = toUTF8(raw, resp.Header.Get("Content-Type"))

	cookies := make(map[string]string)
	for _, ck := range resp.Cookies() {
		if _, seen := cookies[ck.Name]; !seen {
			cookies[ck.Name] = ck.Value
		}
	}

	return &request.CapturedResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Cookies: cookies,
		Body:    string(raw),
	}, nil
}

// targetURL merges query parameters and applies the base URL override.
func (c *Client) targetURL(req *request.CapturedRequest) (string, error) {
	resolved, err := req.ResolvedURL()
	if err != nil {
		return "", err
	}
	if c.base == nil {
		return resolved, nil
	}
	u, err := url.Parse(resolved)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", resolved, err)
	}
	u.Scheme = c.base.Scheme
	u.Host = c.base.Host
	if prefix := strings.TrimSuffix(c.base.Path, "/"); prefix != "" {
		u.Path = prefix + u.Path
		u.RawPath = ""
	}
	return u.String(), nil
}

// shouldSendHeader filters HTTP/2 pseudo headers, hop-by-hop headers and
// the configured blacklist.
func (c *Client) shouldSendHeader(key string) bool {
	if strings.HasPrefix(key, ":") {
		return false
	}
	lowerKey := strings.ToLower(key)
	if skipHeaders[lowerKey] || c.blocked[lowerKey] {
		return false
	}
	return true
}

// Close waits for in-flight calls and releases idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for c.activeCalls > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()

	for _, hc := range []*http.Client{c.client, c.http1} {
		if transport, ok := hc.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
}

func cookieHeader(cookies map[string]string) string {
	parts := make([]string, 0, len(cookies))
	for _, name := range request.SortedKeys(cookies) {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		sep := ", "
		if strings.EqualFold(key, "Set-Cookie") {
			sep = "\n"
		}
		out[key] = strings.Join(values, sep)
	}
	return out
}

func deleteFold(m map[string]string, name string) {
	for k := range m {
		if strings.EqualFold(k, name) {
			delete(m, k)
		}
	}
}

func mediaCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
