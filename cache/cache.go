package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is the time an image is served from cache before it is fetched again
	DefaultTTL = 24 * time.Hour
	// DefaultPrefix is the key prefix of persisted images
	DefaultPrefix = "img_cache_"

	defaultPreloadConcurrency = 4
)

var (
	// ErrEmptyURL represents a lookup without an image URL
	ErrEmptyURL = errors.New("image url is empty")
)

// Config represents a cache config
type Config struct {
	// Store holds the encoded images between restarts
	Store Store
	// Fetcher loads images missing from both cache layers
	Fetcher Fetcher
	// TTL is the maximum age of a cached image
	TTL time.Duration
	// Prefix is prepended to every key the cache writes to Store
	Prefix string
	// CleanupInterval is the interval expired entries are swept at (0 disables sweeping)
	CleanupInterval time.Duration
	// Fallback is returned when an image can not be loaded
	Fallback *Image
	// PreloadConcurrency bounds the number of parallel loads during Preload
	PreloadConcurrency int
}

// Stats represents the size of the cache
type Stats struct {
	// Entries is the number of persisted images
	Entries int `json:"entries"`
	// MemoryEntries is the number of images held in memory
	MemoryEntries int `json:"memory_entries"`
	// SizeBytes is the approximate size of the persisted images
	SizeBytes int64 `json:"size_bytes"`
	// Size is SizeBytes in human readable form
	Size string `json:"size"`
}

// New returns a new Cache instance
func New(c *Config) (*Cache, error) {
	if c == nil || c.Store == nil {
		return nil, errors.New("no persisted store provided")
	}

	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	fetcher := c.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil)
	}
	fallback := c.Fallback
	if fallback == nil {
		fallback = Placeholder()
	}
	concurrency := c.PreloadConcurrency
	if concurrency <= 0 {
		concurrency = defaultPreloadConcurrency
	}

	cache := &Cache{
		store:              c.Store,
		fetcher:            fetcher,
		ttl:                ttl,
		prefix:             prefix,
		fallback:           fallback,
		preloadConcurrency: concurrency,
		cleanupInterval:    c.CleanupInterval,
		mem:                gocache.New(ttl, c.CleanupInterval),
		sf:                 &singleflight.Group{},
		quit:               make(chan struct{}),
		closeOnce:          &sync.Once{},
		now:                time.Now,
	}
	go cache.cleanup(cache.quit)

	return cache, nil
}

// Cache resolves image URLs through a memory layer and a persisted store,
// fetching each missing image at most once at a time
type Cache struct {
	store              Store
	fetcher            Fetcher
	ttl                time.Duration
	prefix             string
	fallback           *Image
	preloadConcurrency int
	cleanupInterval    time.Duration

	mem       *gocache.Cache
	sf        *singleflight.Group
	quit      chan struct{}
	closeOnce *sync.Once
	now       func() time.Time
}

// Resolve returns the image behind url.
// Images that can not be fetched or decoded resolve to the fallback image,
// the failure is only logged. An error is returned for an empty url or when
// ctx is done before the image is available.
func (c *Cache) Resolve(ctx context.Context, url string) (*Image, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	key := cacheKey(c.prefix, url)

	if img, ok := c.fromMemory(key); ok {
		cacheHits.WithLabelValues(layerMemory).Inc()
		return img, nil
	}

	// The load runs detached from ctx: callers joining an in flight load
	// must not see it fail because the first caller went away.
	ch := c.sf.DoChan(key, func() (interface{}, error) {
		return c.lookup(context.Background(), key, url)
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.Debugf("joined in flight load of %s", url)
		}
		if res.Err != nil {
			fetchFailures.Inc()
			fallbacksServed.Inc()
			log.Warnf("failed to load image %s, serving fallback: %s", url, res.Err)
			return c.fallback, nil
		}
		return res.Val.(*Image), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup checks both cache layers before falling back to the network.
// Only ever called from within the singleflight group.
func (c *Cache) lookup(ctx context.Context, key, url string) (*Image, error) {
	// a load of key may have finished between the memory check in Resolve
	// and joining the group
	if img, ok := c.fromMemory(key); ok {
		cacheHits.WithLabelValues(layerMemory).Inc()
		return img, nil
	}
	if img, ok := c.fromStore(ctx, key, url); ok {
		cacheHits.WithLabelValues(layerStore).Inc()
		return img, nil
	}

	cacheMisses.Inc()
	return c.load(ctx, key, url)
}

func (c *Cache) fromMemory(key string) (*Image, bool) {
	v, ok := c.mem.Get(key)
	if !ok {
		return nil, false
	}
	img := v.(*Image)
	if c.expired(img.Fetched) {
		log.Debugf("memory entry %s has expired", key)
		c.mem.Delete(key)
		evictions.WithLabelValues("expired").Inc()
		return nil, false
	}

	return img, true
}

func (c *Cache) fromStore(ctx context.Context, key, url string) (*Image, bool) {
	data, err := c.store.Get(ctx, key)
	if err == ErrEntryNotFound {
		return nil, false
	}
	if err != nil {
		log.Warnf("failed to read persisted image %s: %s", key, err)
		return nil, false
	}

	img, err := c.decodeRecord(key, data)
	if err == nil && img.URL != url {
		err = errors.Errorf("entry belongs to %s", img.URL)
	}
	if err != nil {
		log.Warnf("deleting corrupted cache entry %s: %s", key, err)
		c.deleteStored(ctx, key, "corrupt")
		return nil, false
	}
	if c.expired(img.Fetched) {
		log.Debugf("persisted entry %s has expired", key)
		c.deleteStored(ctx, key, "expired")
		return nil, false
	}

	c.remember(img)
	return img, true
}

func (c *Cache) load(ctx context.Context, key, url string) (*Image, error) {
	data, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch image")
	}
	decoded, contentType, err := decodeImage(data)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Key:         key,
		URL:         url,
		ContentType: contentType,
		Data:        data,
		Decoded:     decoded,
		Fetched:     c.now(),
	}
	c.remember(img)

	raw, err := newRecord(img).marshal()
	if err == nil {
		err = c.store.Set(ctx, key, raw)
	}
	if err != nil {
		// the image is still served from memory
		log.Warnf("failed to persist image %s: %s", url, err)
	}
	log.Debugf("cached %s as %s (%s)", url, key, humanize.Bytes(uint64(len(data))))

	return img, nil
}

func (c *Cache) decodeRecord(key string, data []byte) (*Image, error) {
	r, err := unmarshalRecord(data)
	if err != nil {
		return nil, err
	}
	decoded, contentType, err := decodeImage(r.Data)
	if err != nil {
		return nil, err
	}

	return &Image{
		Key:         key,
		URL:         r.URL,
		ContentType: contentType,
		Data:        r.Data,
		Decoded:     decoded,
		Fetched:     r.Created.Time(),
	}, nil
}

// remember stores img in memory for the remainder of its lifetime
func (c *Cache) remember(img *Image) {
	remaining := c.ttl - c.now().Sub(img.Fetched)
	if remaining <= 0 {
		return
	}
	c.mem.Set(img.Key, img, remaining)
	memoryItems.Set(float64(c.mem.ItemCount()))
}

func (c *Cache) deleteStored(ctx context.Context, key, reason string) {
	err := c.store.Delete(ctx, key)
	if err != nil {
		log.Warnf("failed to delete cache entry %s: %s", key, err)
		return
	}
	evictions.WithLabelValues(reason).Inc()
}

func (c *Cache) expired(fetched time.Time) bool {
	return c.now().Sub(fetched) > c.ttl
}

// Preload resolves urls in parallel and returns the number of images that
// were loaded without falling back
func (c *Cache) Preload(ctx context.Context, urls ...string) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.preloadConcurrency)

	var loaded int64
	for _, u := range urls {
		u := u
		g.Go(func() error {
			img, err := c.Resolve(gctx, u)
			if err == ErrEmptyURL {
				return nil
			}
			if err != nil {
				return err
			}
			if !img.Fallback {
				atomic.AddInt64(&loaded, 1)
			}
			return nil
		})
	}
	err := g.Wait()

	return int(loaded), err
}

// Clear removes every image from memory and every prefixed entry from the
// persisted store, returning the number of persisted entries removed
func (c *Cache) Clear(ctx context.Context) (int, error) {
	c.mem.Flush()
	memoryItems.Set(0)

	keys, err := prefixKeys(ctx, c.store, c.prefix)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list persisted images")
	}
	removed := 0
	for _, k := range keys {
		err = c.store.Delete(ctx, k)
		if err != nil {
			log.Warnf("failed to delete cache entry %s: %s", k, err)
			continue
		}
		removed++
	}
	evictions.WithLabelValues("cleared").Add(float64(removed))
	log.Infof("cleared %d cached images", removed)

	return removed, nil
}

// Stats returns the number and approximate size of the persisted images.
// Store failures are logged and reported as an empty cache.
func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{
		MemoryEntries: c.mem.ItemCount(),
		Size:          humanize.Bytes(0),
	}

	keys, err := prefixKeys(ctx, c.store, c.prefix)
	if err != nil {
		log.Warnf("failed to get cache stats: %s", err)
		return s
	}
	for _, k := range keys {
		data, err := c.store.Get(ctx, k)
		if err != nil {
			// removed since listing
			continue
		}
		s.Entries++
		s.SizeBytes += int64(len(data))
	}
	s.Size = humanize.Bytes(uint64(s.SizeBytes))

	return s
}

// Fallback returns the image served when a lookup fails
func (c *Cache) Fallback() *Image {
	return c.fallback
}

// Close stops the background sweeper
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
}
