package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rubyist/circuitbreaker"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxImageSize is the largest image body fetched by default
const DefaultMaxImageSize int64 = 20 << 20

const (
	defaultFetchTimeout       = 30 * time.Second
	defaultBackoffAt    int64 = 5
)

var (
	// ErrImageTooLarge represents an image body exceeding the size limit
	ErrImageTooLarge = errors.New("image exceeds maximum size")
	// ErrHostNotAllowed represents an image url outside the allowed hosts
	ErrHostNotAllowed = errors.New("image host not allowed")
)

// StatusError represents a non 2xx response of an image host
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("image request returned status %d", e.Code)
}

// hostFailure reports whether the status says something about the host
// rather than about the requested image
func (e *StatusError) hostFailure() bool {
	return e.Code < 400 || e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Fetcher loads encoded image bytes from the network
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherConfig represents the configuration of an HTTPFetcher
type FetcherConfig struct {
	// Timeout bounds a single fetch
	Timeout time.Duration
	// MaxSize is the largest accepted body in bytes
	MaxSize int64
	// BackoffAt is the number of consecutive failures after which a host
	// is not contacted until its breaker resets
	BackoffAt int64
	// AllowHosts limits fetches to these hosts when not empty.
	// An entry starting with "*." also matches every subdomain.
	AllowHosts []string
}

// NewHTTPFetcher returns a Fetcher that issues plain GET requests
func NewHTTPFetcher(c *FetcherConfig) *HTTPFetcher {
	if c == nil {
		c = &FetcherConfig{}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxSize := c.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}
	backoffAt := c.BackoffAt
	if backoffAt <= 0 {
		backoffAt = defaultBackoffAt
	}

	return &HTTPFetcher{
		http:       &http.Client{Timeout: timeout},
		maxSize:    maxSize,
		backoffAt:  backoffAt,
		allowHosts: c.AllowHosts,
		breakers:   &sync.Map{},
	}
}

// HTTPFetcher fetches images over http, tracking a circuit breaker per host
type HTTPFetcher struct {
	http       *http.Client
	maxSize    int64
	backoffAt  int64
	allowHosts []string
	breakers   *sync.Map
}

// Check validates target without fetching it
func (f *HTTPFetcher) Check(target string) error {
	_, err := f.parse(target)
	return err
}

// Fetch implements Fetcher.
// Only transport errors and responses blaming the host count against the
// host's breaker, a missing image does not.
func (f *HTTPFetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	u, err := f.parse(target)
	if err != nil {
		return nil, err
	}

	var data []byte
	var imgErr error
	cb := f.breaker(u.Host)
	err = cb.CallContext(ctx, func() error {
		var err error
		data, err = f.get(ctx, target)
		statusErr := &StatusError{}
		if errors.As(err, &statusErr) && !statusErr.hostFailure() {
			imgErr = err
			return nil
		}
		return err
	}, 0)
	if err == circuit.ErrBreakerOpen {
		log.Debugf("breaker for %s is open", u.Host)
		return nil, errors.Wrapf(err, "host %s", u.Host)
	}
	if err != nil {
		return nil, err
	}
	if imgErr != nil {
		return nil, imgErr
	}

	return data, nil
}

func (f *HTTPFetcher) parse(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrap(err, "invalid image url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported image url scheme %q", u.Scheme)
	}
	if !f.allowed(u.Hostname()) {
		return nil, errors.Wrap(ErrHostNotAllowed, u.Hostname())
	}
	return u, nil
}

func (f *HTTPFetcher) allowed(host string) bool {
	if len(f.allowHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, h := range f.allowHosts {
		h = strings.ToLower(h)
		if h == host {
			return true
		}
		if strings.HasPrefix(h, "*.") && strings.HasSuffix(host, h[1:]) {
			return true
		}
	}
	return false
}

func (f *HTTPFetcher) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image request")
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "image request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	if resp.ContentLength > f.maxSize {
		return nil, ErrImageTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image body")
	}
	if int64(len(data)) > f.maxSize {
		return nil, ErrImageTooLarge
	}

	return data, nil
}

func (f *HTTPFetcher) breaker(host string) *circuit.Breaker {
	if cb, ok := f.breakers.Load(host); ok {
		return cb.(*circuit.Breaker)
	}
	cb, _ := f.breakers.LoadOrStore(host, circuit.NewConsecutiveBreaker(f.backoffAt))
	return cb.(*circuit.Breaker)
}
