package backend

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultPingInterval   = 10 * time.Second
	defaultPingTimeout    = 45 * time.Second
	defaultPingAttempts   = 5
	defaultPingBackoff    = 2 * time.Second
	errBackendUnavailable = "backend unavailable"
	errWakeUpFailed       = "failed to wake up the backend, try again"
)

// Status represents what the monitor last saw of the backend
type Status struct {
	Awake    bool      `json:"awake"`
	WakingUp bool      `json:"waking_up"`
	LastPing time.Time `json:"last_ping,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// MonitorConfig configures a Monitor
type MonitorConfig struct {
	// Interval is the keepalive ping interval while the backend is awake
	Interval time.Duration
	// Timeout bounds a single ping
	Timeout time.Duration
	// Attempts is the number of pings made before giving up
	Attempts int
	// Backoff is the wait after the first failed ping, doubled after every further failure
	Backoff time.Duration
}

// NewMonitor returns a monitor for the backend behind c
func NewMonitor(c *Client, mc *MonitorConfig) *Monitor {
	if mc == nil {
		mc = &MonitorConfig{}
	}
	m := &Monitor{
		client:   c,
		interval: mc.Interval,
		timeout:  mc.Timeout,
		attempts: mc.Attempts,
		backoff:  mc.Backoff,
		m:        &sync.RWMutex{},
	}
	if m.interval <= 0 {
		m.interval = defaultPingInterval
	}
	if m.timeout <= 0 {
		m.timeout = defaultPingTimeout
	}
	if m.attempts <= 0 {
		m.attempts = defaultPingAttempts
	}
	if m.backoff <= 0 {
		m.backoff = defaultPingBackoff
	}

	return m
}

// Monitor keeps track of whether the backend is awake and keeps it from
// falling asleep
type Monitor struct {
	client   *Client
	interval time.Duration
	timeout  time.Duration
	attempts int
	backoff  time.Duration

	status Status
	m      *sync.RWMutex
}

// Status returns the last known backend status
func (m *Monitor) Status() Status {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.status
}

// WakeUp pings the backend on behalf of a user asking for it
func (m *Monitor) WakeUp(ctx context.Context) bool {
	return m.Ping(ctx, true)
}

// Ping checks the health endpoint, retrying with backoff, and records the outcome
func (m *Monitor) Ping(ctx context.Context, manual bool) bool {
	if manual {
		m.update(func(s *Status) {
			s.WakingUp = true
			s.Error = ""
		})
	}

	attempt := 0
	err := retry(ctx, m.attempts, m.backoff, func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		err := m.client.waker.ping(pctx)
		if err != nil {
			log.Warnf("Backend ping attempt %d failed: %s", attempt, err)
		}
		return err
	})
	if err == nil {
		m.update(func(s *Status) {
			*s = Status{Awake: true, LastPing: time.Now()}
		})
		m.client.waker.setAwake(true)
		return true
	}

	msg := errBackendUnavailable
	if manual {
		msg = errWakeUpFailed
	}
	m.update(func(s *Status) {
		s.Awake = false
		s.WakingUp = false
		s.Error = msg
	})
	m.client.waker.setAwake(false)

	return false
}

// Run pings the backend once and then keeps pinging it while it is awake,
// until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	m.Ping(ctx, false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.Status().Awake {
				m.Ping(ctx, false)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) update(fn func(s *Status)) {
	m.m.Lock()
	defer m.m.Unlock()
	fn(&m.status)
}
