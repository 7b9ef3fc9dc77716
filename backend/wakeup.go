package backend

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultWakeUpRetries  = 3
	defaultWakeUpInterval = time.Second
)

const (
	awakeUnknown int32 = iota
	awakeYes
	awakeNo
)

var coldStartIndicators = []string{
	"fetch",
	"network",
	"econnrefused",
	"connection_refused",
	"err_connection_refused",
	"connection refused",
}

// WakeUpConfig configures waking up a sleeping backend
type WakeUpConfig struct {
	// Retries is the number of health checks made per wake-up
	Retries int
	// InitialInterval is the wait after the first failed health check,
	// doubled after every further failure
	InitialInterval time.Duration
	// HealthURL overrides the health endpoint derived from the base URL
	HealthURL string
}

// healthURL returns the health endpoint, which lives next to the API root
func healthURL(baseURL string) string {
	return strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/api") + "/health"
}

func newWaker(baseURL string, httpClient *http.Client, c *WakeUpConfig) *waker {
	if c == nil {
		c = &WakeUpConfig{}
	}
	w := &waker{
		healthURL: c.HealthURL,
		http:      httpClient,
		retries:   c.Retries,
		interval:  c.InitialInterval,
		subs:      make(map[int]func(bool)),
		m:         &sync.Mutex{},
	}
	if w.healthURL == "" {
		w.healthURL = healthURL(baseURL)
	}
	if w.retries <= 0 {
		w.retries = defaultWakeUpRetries
	}
	if w.interval <= 0 {
		w.interval = defaultWakeUpInterval
	}

	return w
}

// waker wakes up a backend that went to sleep and tells subscribers about it
type waker struct {
	healthURL string
	http      *http.Client
	retries   int
	interval  time.Duration

	inProgress atomic.Bool
	awake      atomic.Int32

	subs   map[int]func(bool)
	nextID int
	m      *sync.Mutex
}

// wakeUp polls the health endpoint until it answers or the retries run out.
// Only one wake-up runs at a time, concurrent callers get false right away.
func (w *waker) wakeUp(ctx context.Context) bool {
	if !w.inProgress.CompareAndSwap(false, true) {
		log.Debug("Backend wake-up already in progress")
		return false
	}
	defer w.inProgress.Store(false)
	w.setAwake(false)

	attempt := 0
	err := retry(ctx, w.retries, w.interval, func() error {
		attempt++
		err := w.ping(ctx)
		if err != nil {
			log.Warnf("Backend wake-up attempt %d failed: %s", attempt, err)
		}
		return err
	})
	if err != nil {
		return false
	}

	w.setAwake(true)
	return true
}

// ping performs a single health check
func (w *waker) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.healthURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health request")
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func (w *waker) subscribe(fn func(bool)) func() {
	w.m.Lock()
	defer w.m.Unlock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn

	return func() {
		w.m.Lock()
		defer w.m.Unlock()
		delete(w.subs, id)
	}
}

// setAwake records the backend state and notifies subscribers when it changed
func (w *waker) setAwake(awake bool) {
	state := awakeNo
	if awake {
		state = awakeYes
	}
	if w.awake.Swap(state) == state {
		return
	}

	w.m.Lock()
	subs := make([]func(bool), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.m.Unlock()

	for _, fn := range subs {
		fn(awake)
	}
}

// retry calls op up to attempts times, doubling the wait between calls
func retry(ctx context.Context, attempts int, initial time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = initial << uint(attempts)
	b.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
}

// isColdStartError reports whether err looks like the backend was not
// reachable at all, as opposed to the backend answering with an error
func isColdStartError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range coldStartIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}

	return false
}
