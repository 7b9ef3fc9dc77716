package main

import (
	"time"

	"github.com/chrisvdg/imagecache/cache"
	"github.com/chrisvdg/imagecache/internal/logging"
	"github.com/chrisvdg/imagecache/server"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	listAddr := pflag.StringP("listenaddr", "l", ":8080", "http listen address")
	tlsListAddr := pflag.StringP("tlsaddr", "t", ":8443", "https listen address")
	tlsKey := pflag.StringP("tlskey", "k", "", "TLS private key file path")
	tlsCert := pflag.StringP("tlscert", "c", "", "TLS certificate file path")
	tlsOnly := pflag.BoolP("tlsonly", "s", false, "Only serve TLS")
	verbose := pflag.BoolP("verbose", "v", false, "Verbose output")
	logLevel := pflag.String("loglevel", "info", "log level (overridden by --verbose)")
	logJSON := pflag.Bool("logjson", false, "log json formatted lines")
	logDir := pflag.String("logdir", "", "directory to write rotated log files to")
	store := pflag.String("store", server.StoreFile, "image store: file, memory or redis")
	cacheDir := pflag.StringP("cachedir", "d", "./imagecache", "directory of the file image store")
	redisAddr := pflag.String("redisaddr", "localhost:6379", "redis address of the redis image store")
	redisDB := pflag.Int("redisdb", 0, "redis database of the redis image store")
	expiration := pflag.DurationP("expiration", "e", cache.DefaultTTL, "time an image is cached for")
	cleanup := pflag.Duration("cleanup", 10*time.Minute, "interval expired images are removed at (0 disables)")
	fallback := pflag.String("fallback", "", "image served when an image can not be loaded (built in placeholder when empty)")
	fetchTimeout := pflag.Duration("fetchtimeout", 30*time.Second, "timeout of a single image fetch")
	maxSize := pflag.Int64("maxsize", cache.DefaultMaxImageSize, "largest image size in bytes")
	allowHosts := pflag.StringSlice("allowhosts", nil, "image hosts to fetch from, *.example.com matches subdomains (all when empty)")
	backendURL := pflag.StringP("backend", "b", "http://localhost:5000/api", "listings API base URL")
	backendToken := pflag.String("token", "", "bearer token for the listings API")
	rateLimit := pflag.Float64("ratelimit", 0, "requests per second per client (0 disables)")
	rateBurst := pflag.Int("rateburst", 10, "request burst per client")
	pflag.Parse()

	level := *logLevel
	if *verbose {
		level = "debug"
	}
	err := logging.Setup(&logging.Config{
		Level: level,
		JSON:  *logJSON,
		Dir:   *logDir,
	})
	if err != nil {
		log.Fatal(err)
	}

	c := &server.Config{
		ListenAddr:    *listAddr,
		TLSListenAddr: *tlsListAddr,
		TLSOnly:       *tlsOnly,
		TLS: &server.TLSConfig{
			KeyFile:  *tlsKey,
			CertFile: *tlsCert,
		},
		Store:    *store,
		CacheDir: *cacheDir,
		Redis: &server.RedisConfig{
			Addr: *redisAddr,
			DB:   *redisDB,
		},
		CacheExpiration:      *expiration,
		CacheCleanupInterval: *cleanup,
		FallbackImage:        *fallback,
		FetchTimeout:         *fetchTimeout,
		MaxImageSize:         *maxSize,
		AllowHosts:           *allowHosts,
		BackendURL:           *backendURL,
		BackendToken:         *backendToken,
		RateLimit: &server.RateLimitConfig{
			RequestsPerSecond: *rateLimit,
			Burst:             *rateBurst,
		},
	}

	s, err := server.New(c)
	if err != nil {
		log.Fatal(err)
	}

	s.ListenAndServe()
}
