package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

// ErrNotFound is returned when the server does not know a simulation or frame.
var ErrNotFound = errors.New("not found")

// Client provides HTTP client functionality to communicate with a simrunner server
type Client struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
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

const defaultBaseURL = "http://localhost:8080"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new simrunner API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	dialer := &websocket.Dialer{HandshakeTimeout: config.Timeout}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
			dialer.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		dialer:  dialer,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.List(ctx)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	return true
}

// Create starts a simulation and returns its id.
func (c *Client) Create(ctx context.Context, req CreateRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/simrunner/createnewsimulation", nil, data)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(body))
	c.logger.Debug("Simulation created", "uuid", id, "name", req.Name)
	return id, nil
}

// Stop stops a running simulation.
func (c *Client) Stop(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodGet, "/simrunner/stopsimulation", url.Values{"uuid": {id}}, nil)
	return err
}

func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.getJSON(ctx, "/simrunner/status", url.Values{"uuid": {id}}, &st)
	return st, err
}

// List returns the running simulations.
func (c *Client) List(ctx context.Context) ([]Simulation, error) {
	var out []Simulation
	err := c.getJSON(ctx, "/simrunner/simulations", nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (Simulation, error) {
	var out Simulation
	err := c.getJSON(ctx, "/simrunner/simulations/"+url.PathEscape(id), nil, &out)
	return out, err
}

// WorkerMetrics returns the latest sample of every process worker.
func (c *Client) WorkerMetrics(ctx context.Context) (map[string]WorkerSample, error) {
	out := make(map[string]WorkerSample)
	err := c.getJSON(ctx, "/simrunner/workermetrics", nil, &out)
	return out, err
}

// AllSimulations returns the index data of every archived simulation.
func (c *Client) AllSimulations(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := c.getJSON(ctx, "/saveviewer/allsimulations", nil, &out)
	return out, err
}

// Index returns the index data of one archived simulation.
func (c *Client) Index(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/saveviewer/simulation", url.Values{"uuid": {id}}, nil)
}

// FrameData returns the decompressed viz bytes of a frame.
func (c *Client) FrameData(ctx context.Context, id string, index int) ([]byte, error) {
	body, hdr, err := c.doRaw(ctx, http.MethodGet, "/saveviewer/framedata", frameQuery(id, index), nil)
	if err != nil {
		return nil, err
	}
	if hdr.Get("Content-Encoding") != "deflate" {
		return body, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", index, err)
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

// StepData returns the step file of a frame.
func (c *Client) StepData(ctx context.Context, id string, index int) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/saveviewer/stepdata", frameQuery(id, index), nil)
}

func frameQuery(id string, index int) url.Values {
	return url.Values{"uuid": {id}, "index": {strconv.Itoa(index)}}
}

// Follow connects to a simulation's live channel and calls fn for every event
// until the simulation stops, fn returns false or ctx ends.
func (c *Client) Follow(ctx context.Context, id string, fn func(Event) bool) error {
	u, err := url.Parse(c.baseURL + "/ws/usercomms")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(map[string]any{"action": "connectto", "data": id}); err != nil {
		return fmt.Errorf("connect to %s: %w", id, err)
	}
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if !fn(ev) || ev.Action == "simstopped" {
			return nil
		}
	}
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
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	body, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs an HTTP request and returns the body of a 200 response.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) ([]byte, error) {
	data, _, err := c.doRaw(ctx, method, path, q, body)
	return data, err
}

func (c *Client) doRaw(ctx context.Context, method, path string, q url.Values, body []byte) ([]byte, http.Header, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return data, resp.Header, nil
	}
	return nil, nil, c.responseError(resp.StatusCode, data)
}

// responseError turns an error response into an error. The server answers
// with either {"error": ...} or plain text.
func (c *Client) responseError(status int, data []byte) error {
	msg := strings.TrimSpace(string(data))
	var er ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	c.logger.Debug("API request failed", "error", msg, "status", status)
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	if msg == "" {
		return fmt.Errorf("HTTP %d", status)
	}
	return fmt.Errorf("API error (HTTP %d): %s", status, msg)
}
