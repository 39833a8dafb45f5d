// Package transport implements the agent's HTTP client (§4.D): a request
// builder, synchronous perform, streamed download, the two authentication
// entry points, and the long-poll co_perform loop used by the communicator.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/endpointguard/agent/internal/metrics"
	"github.com/endpointguard/agent/internal/pool"
	"github.com/endpointguard/agent/internal/tlsutil"
)

// Params enumerates a single request's parameters, matching §4.D's closed
// list: method, host, port, endpoint, TLS flag, bearer token, basic-auth
// user:pass, body, verification mode, user-agent, request-timeout.
type Params struct {
	Method           string
	Host             string
	Port             int
	Endpoint         string
	TLS              bool
	BearerToken      string
	BasicUser        string
	BasicPassword    string
	Body             []byte
	VerificationMode tlsutil.VerificationMode
	UserAgent        string
	RequestTimeout   time.Duration
}

func (p Params) url() string {
	scheme := "http"
	if p.TLS {
		scheme = "https"
	}
	host := p.Host
	if p.Port != 0 {
		host = net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
	}
	u := url.URL{Scheme: scheme, Host: host, Path: p.Endpoint}
	return u.String()
}

// Client wraps *http.Client, retaining the resolved *http.Transport (and
// its connection pool) across calls instead of rebuilding it per request,
// per the HTTP-resolver-reuse behavior carried over from the original
// implementation's co_perform loop.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// New builds a Client. requestsPerSecond bounds the client's own outbound
// request rate, guarding against a misbehaving collector flooding the
// manager; 0 disables the limiter.
func New(requestsPerSecond float64, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	_ = http2.ConfigureTransport(transport)

	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		limiter:    limiter,
		logger:     logger.With(zap.String("component", "transport")),
	}
}

// WithMetrics attaches a Collector that Perform records outbound request
// latency and status class against. Passing nil (the zero value before
// this is called) disables recording.
func (c *Client) WithMetrics(collector *metrics.Collector) *Client {
	c.metrics = collector
	return c
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// CreateRequest builds the request without performing I/O. It also installs
// the TLS configuration for p.VerificationMode and p.Host on the client's
// shared transport, which later requests on this Client then use.
func (c *Client) CreateRequest(ctx context.Context, p Params) (*http.Request, error) {
	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.url(), body)
	if err != nil {
		return nil, fmt.Errorf("transport: create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if len(p.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	switch {
	case p.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+p.BearerToken)
	case p.BasicUser != "":
		creds := base64.StdEncoding.EncodeToString([]byte(p.BasicUser + ":" + p.BasicPassword))
		req.Header.Set("Authorization", "Basic "+creds)
	}

	tlsCfg := tlsutil.Config(p.VerificationMode, p.Host)
	if tr, ok := c.httpClient.Transport.(*http.Transport); ok {
		tr.TLSClientConfig = tlsCfg
	}

	return req, nil
}

// Perform issues req synchronously and returns the status code and body.
// Used during enrollment and by every other non-streaming call.
func (c *Client) Perform(ctx context.Context, p Params) (int, []byte, error) {
	if err := c.wait(ctx); err != nil {
		return 0, nil, err
	}

	req, err := c.CreateRequest(ctx, p)
	if err != nil {
		return 0, nil, err
	}

	client := c.httpClient
	if p.RequestTimeout > 0 {
		client = &http.Client{Transport: c.httpClient.Transport, Timeout: p.RequestTimeout}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		c.metrics.ObserveHTTPRequest(p.Endpoint, statusClass(0), time.Since(start))
		return 0, nil, fmt.Errorf("transport: perform: %w", err)
	}
	defer resp.Body.Close()
	defer func() {
		c.metrics.ObserveHTTPRequest(p.Endpoint, statusClass(resp.StatusCode), time.Since(start))
	}()

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("transport: read body: %w", err)
	}
	// Copy out of the pooled buffer before it's reset and reused by
	// another concurrent Perform call.
	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	return resp.StatusCode, body, nil
}

// PerformDownload streams the response body to dstPath with a
// bounded-memory reader, used by the group-file download pipeline.
func (c *Client) PerformDownload(ctx context.Context, p Params, dstPath string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	req, err := c.CreateRequest(ctx, p)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport: download: status %d", resp.StatusCode)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("transport: create dst: %w", err)
	}
	defer out.Close()

	buf := bufio.NewWriterSize(out, 32*1024)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return fmt.Errorf("transport: copy: %w", err)
	}
	return buf.Flush()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// AuthenticateWithUserPassword POSTs /security/user/authenticate with basic
// auth and parses data.token from the JSON body. It returns ("", false) on
// any non-2xx status or parse error, never an error value — auth failure is
// a normal outcome the caller retries.
func (c *Client) AuthenticateWithUserPassword(ctx context.Context, baseParams Params, user, password string) (string, bool) {
	p := baseParams
	p.Method = http.MethodPost
	p.Endpoint = "/security/user/authenticate"
	p.BasicUser = user
	p.BasicPassword = password
	p.BearerToken = ""
	p.Body = nil

	status, body, err := c.Perform(ctx, p)
	if err != nil {
		c.logger.Warn("authenticate_with_user_password transport error", zap.Error(err))
		return "", false
	}
	return parseToken(status, body)
}

// AuthenticateWithUUIDAndKey is the registration-credential analogue of
// AuthenticateWithUserPassword, using uuid as the basic-auth user and key
// as the password.
func (c *Client) AuthenticateWithUUIDAndKey(ctx context.Context, baseParams Params, uuid, key string) (string, bool) {
	return c.AuthenticateWithUserPassword(ctx, baseParams, uuid, key)
}

type tokenEnvelope struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

func parseToken(status int, body []byte) (string, bool) {
	if status < 200 || status >= 300 {
		return "", false
	}
	var env tokenEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Data.Token == "" {
		return "", false
	}
	return env.Data.Token, true
}
