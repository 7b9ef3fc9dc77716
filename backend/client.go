package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the listings API the client talks to by default
	DefaultBaseURL = "http://localhost:5000/api"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Config represents a backend client config
type Config struct {
	// BaseURL is the root of the REST API, including the /api path
	BaseURL string
	// Token is sent as bearer token when set
	Token string
	// Timeout bounds a single request
	Timeout time.Duration
	// WakeUp configures waking up a sleeping backend
	WakeUp *WakeUpConfig
}

// APIError represents a non 2xx response of the backend
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// New returns a new backend client
func New(c *Config) *Client {
	if c == nil {
		c = &Config{}
	}
	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	return &Client{
		baseURL: baseURL,
		token:   c.Token,
		http:    httpClient,
		waker:   newWaker(baseURL, httpClient, c.WakeUp),
	}
}

// Client talks to the listings REST API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	waker   *waker
}

// BaseURL returns the root of the REST API
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Subscribe registers fn to be called whenever the backend is seen
// going to sleep or waking up. The returned func removes the subscription.
func (c *Client) Subscribe(fn func(awake bool)) func() {
	return c.waker.subscribe(fn)
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) post(ctx context.Context, endpoint string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, endpoint, in, out)
}

func (c *Client) delete(ctx context.Context, endpoint string) error {
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// do performs a request. When the request fails in a way that looks like
// the backend is still starting, the backend is woken up and the request
// is retried once.
func (c *Client) do(ctx context.Context, method, endpoint string, in, out interface{}) error {
	err := c.request(ctx, method, endpoint, in, out)
	if err == nil {
		c.waker.setAwake(true)
		return nil
	}
	log.Errorf("API request %s %s failed: %s", method, endpoint, err)
	if !isColdStartError(err) {
		return err
	}

	log.Info("Possible backend cold start detected, attempting wake-up")
	if !c.waker.wakeUp(ctx) {
		return err
	}

	log.Info("Backend wake-up successful, retrying original request")
	retryErr := c.request(ctx, method, endpoint, in, out)
	if retryErr != nil {
		log.Errorf("Retry after wake-up failed: %s", retryErr)
		return err
	}

	return nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	if out == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "failed to parse response")
	}

	return nil
}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Message: fmt.Sprintf("HTTP error! status: %d", resp.StatusCode),
	}
	payload := struct {
		Error string `json:"error"`
	}{}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	}

	return apiErr
}
