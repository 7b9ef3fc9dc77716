package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chrisvdg/imagecache/backend"
	"github.com/chrisvdg/imagecache/cache"
	"github.com/didip/tollbooth"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const storePingTimeout = 10 * time.Second

// New creates a new server instance
func New(c *Config) (*Server, error) {
	if c == nil {
		return nil, errors.New("no server config provided")
	}

	store, err := newStore(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up image store")
	}

	var fallback *cache.Image
	if c.FallbackImage != "" {
		fallback, err = cache.LoadFallback(c.FallbackImage)
		if err != nil {
			return nil, err
		}
	}

	fetcher := cache.NewHTTPFetcher(&cache.FetcherConfig{
		Timeout:    c.FetchTimeout,
		MaxSize:    c.MaxImageSize,
		AllowHosts: c.AllowHosts,
	})
	imgCache, err := cache.New(&cache.Config{
		Store:           store,
		Fetcher:         fetcher,
		TTL:             c.CacheExpiration,
		CleanupInterval: c.CacheCleanupInterval,
		Fallback:        fallback,
	})
	if err != nil {
		return nil, err
	}

	client := backend.New(&backend.Config{
		BaseURL: c.BackendURL,
		Token:   c.BackendToken,
	})
	client.Subscribe(func(awake bool) {
		if awake {
			log.Info("backend is awake")
		} else {
			log.Warn("backend is not responding")
		}
	})

	return &Server{
		c:       c,
		cache:   imgCache,
		fetcher: fetcher,
		client:  client,
		monitor: backend.NewMonitor(client, nil),
	}, nil
}

// Server represents a server instance
type Server struct {
	c       *Config
	cache   *cache.Cache
	fetcher *cache.HTTPFetcher
	client  *backend.Client
	monitor *backend.Monitor
}

// Handler returns the http handler serving all routes
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	h := newHandlers(s.cache, s.fetcher, s.client, s.monitor)

	r.HandleFunc("/image", h.ImageHandler).Methods("GET")
	r.HandleFunc("/offers/{id}/preview", h.OfferPreviewHandler).Methods("GET")
	r.HandleFunc("/preload", h.PreloadHandler).Methods("POST")
	r.HandleFunc("/cache/stats", h.StatsHandler).Methods("GET")
	r.HandleFunc("/cache", h.ClearHandler).Methods("DELETE")
	r.HandleFunc("/health", h.HealthHandler).Methods("GET")
	r.HandleFunc("/health/wakeup", h.WakeUpHandler).Methods("POST")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	rl := s.c.RateLimit
	if rl == nil || rl.RequestsPerSecond <= 0 {
		return r
	}

	log.Infof("Enabling rate limit of %.2f requests per second", rl.RequestsPerSecond)
	limiter := tollbooth.NewLimiter(rl.RequestsPerSecond, nil)
	limiter.SetIPLookups([]string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"})
	limiter.SetTokenBucketExpirationTTL(time.Hour)
	if rl.Burst > 0 {
		limiter.SetBurst(rl.Burst)
	}
	b, _ := json.Marshal(map[string]string{"error": "too many requests"})
	limiter.SetMessage(string(b))
	limiter.SetMessageContentType("application/json")

	return tollbooth.LimitHandler(limiter, r)
}

// ListenAndServe listens for new requests and serves them
func (s *Server) ListenAndServe() {
	handler := s.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.cache.Close()

	go s.monitor.Run(ctx)

	tlsEnabled := s.c.TLS != nil && s.c.TLS.CertFile != "" && s.c.TLS.KeyFile != ""
	if !s.c.TLSOnly {
		go listenAndServe(ctx, cancel, s.c.ListenAddr, handler)
	}

	if tlsEnabled {
		go listenAndServeTLS(ctx, cancel, s.c.TLSListenAddr, s.c.TLS, handler)
	}

	<-ctx.Done()
}

// listenAndServe serves a plain http webserver
func listenAndServe(ctx context.Context, cancel func(), addr string, handler http.Handler) {
	defer cancel()
	addrStr := getAddrString(addr)
	log.Infof("http server listening on: http://%s", addrStr)
	log.Error(http.ListenAndServe(addr, handler))
}

// listenAndServeTLS serves a tls webserver
func listenAndServeTLS(ctx context.Context, cancel func(), addr string, tls *TLSConfig, handler http.Handler) {
	defer cancel()
	addrStr := getAddrString(addr)
	log.Infof("https server listening on: https://%s", addrStr)
	log.Error(http.ListenAndServeTLS(addr, tls.CertFile, tls.KeyFile, handler))
}

func newStore(c *Config) (cache.Store, error) {
	switch c.Store {
	case "", StoreFile:
		return cache.NewFileStore(c.CacheDir)
	case StoreMemory:
		return cache.NewMemoryStore(), nil
	case StoreRedis:
		if c.Redis == nil || c.Redis.Addr == "" {
			return nil, errors.New("no redis address provided")
		}
		store := cache.NewRedisStore(c.Redis.Addr, c.Redis.DB, c.CacheExpiration)
		ctx, cancel := context.WithTimeout(context.Background(), storePingTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Errorf("store %s not supported", c.Store)
	}
}

func getAddrString(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = fmt.Sprintf("0.0.0.0%s", addr)
	}
	return addr
}
