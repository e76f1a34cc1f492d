package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client provides HTTP client functionality to communicate with a deployr server
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; deploy output lasts as long as the job.
	stream *http.Client
	logger *slog.Logger
	creds  Credentials
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
	Auth     Credentials
}

// Credentials authenticate requests when the server has auth enabled. Token
// wins over Username/Password, which win over ClientID/ClientSecret.
type Credentials struct {
	Token        string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const DefaultBaseURL = "http://localhost:8081/api/v1"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new deployr API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		creds:   config.Auth,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Jobs lists the jobs configured on the server.
func (c *Client) Jobs(ctx context.Context) ([]JobInfo, error) {
	var out []JobInfo
	err := c.getJSON(ctx, c.baseURL+"/jobs", &out)
	return out, err
}

// Deploy starts job with params and copies its output to w until the run
// ends. Cancelling ctx disconnects, which aborts the run on the server.
func (c *Client) Deploy(ctx context.Context, job string, params map[string]string, w io.Writer) (int64, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u := c.baseURL + "/deploy/" + url.PathEscape(job)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	c.logger.Debug("Starting deployment", "job", job)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return 0, err
	}
	id, _ := strconv.ParseInt(resp.Header.Get("X-Build-Id"), 10, 64)
	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		return id, fmt.Errorf("read stream: %w", err)
	}
	return id, nil
}

// Abort asks the server to stop the running deployment of job.
func (c *Client) Abort(ctx context.Context, job string) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/abort/"+url.PathEscape(job), nil)
}

// History returns the most recent runs of job, newest first.
func (c *Client) History(ctx context.Context, job string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := c.getJSON(ctx, c.baseURL+"/history/"+url.PathEscape(job), &out)
	return out, err
}

// Build returns one run of job including its output log.
func (c *Client) Build(ctx context.Context, job string, buildID int64) (HistoryEntry, error) {
	var out HistoryEntry
	u := fmt.Sprintf("%s/history/%s?buildId=%d", c.baseURL, url.PathEscape(job), buildID)
	err := c.getJSON(ctx, u, &out)
	return out, err
}

// Login exchanges username and password for a bearer token. Later calls on
// this client use the token.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	body, err := json.Marshal(map[string]string{"method": "basic", "username": username, "password": password})
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return Token{}, err
	}
	var res struct {
		Token *Token `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Token{}, fmt.Errorf("decode response: %w", err)
	}
	if res.Token == nil {
		return Token{}, fmt.Errorf("login response carries no token")
	}
	c.creds = Credentials{Token: res.Token.Value}
	return *res.Token, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.creds.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	case c.creds.Username != "":
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	case c.creds.ClientID != "":
		req.Header.Set("X-Client-Id", c.creds.ClientID)
		req.Header.Set("X-Client-Secret", c.creds.ClientSecret)
	}
}

// flushWriter passes each chunk through as soon as it arrives.
type flushWriter struct{ w io.Writer }

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(interface{ Flush() error }); ok && err == nil {
		err = fl.Flush()
	}
	return n, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRequest performs HTTP request with common error handling
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleErrorResponse(resp)
}

// handleErrorResponse turns any non-2xx response into an *APIError
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	msg := errorResp.Error
	if errorResp.Message != "" {
		msg += ": " + errorResp.Message
	}
	c.logger.Debug("API request failed", "error", msg, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: msg}
}
