package server

import "time"

// Store types supported for persisting cached images
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config represents a server config
type Config struct {
	ListenAddr           string
	TLSListenAddr        string
	TLSOnly              bool
	TLS                  *TLSConfig
	Store                string
	CacheDir             string
	Redis                *RedisConfig
	CacheExpiration      time.Duration
	CacheCleanupInterval time.Duration
	FallbackImage        string
	FetchTimeout         time.Duration
	MaxImageSize         int64
	AllowHosts           []string
	BackendURL           string
	BackendToken         string
	RateLimit            *RateLimitConfig
}

// TLSConfig represents a TLS configuration
type TLSConfig struct {
	KeyFile  string
	CertFile string
}

// RedisConfig represents the redis connection used by the redis store
type RedisConfig struct {
	Addr string
	DB   int
}

// RateLimitConfig represents the per client request rate limit
// (a zero RequestsPerSecond disables limiting)
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}
