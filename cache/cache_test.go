package cache

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// imageServer serves a small png on every path and counts requests
type imageServer struct {
	*httptest.Server
	hits    int64
	release chan struct{}
	status  int
	body    []byte
}

func newImageServer(t *testing.T, opts ...func(s *imageServer)) *imageServer {
	s := &imageServer{
		status: http.StatusOK,
		body:   testPNG(t, 8, 4),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&s.hits, 1)
		if s.release != nil {
			<-s.release
		}
		res.WriteHeader(s.status)
		res.Write(s.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) count() int64 {
	return atomic.LoadInt64(&s.hits)
}

func withStatus(status int) func(s *imageServer) {
	return func(s *imageServer) {
		s.status = status
	}
}

func withBody(body []byte) func(s *imageServer) {
	return func(s *imageServer) {
		s.body = body
	}
}

func withRelease(release chan struct{}) func(s *imageServer) {
	return func(s *imageServer) {
		s.release = release
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.NRGBA{R: 255, A: 255})
	}
	buf := &bytes.Buffer{}
	require.NoError(t, imaging.Encode(buf, img, imaging.PNG))
	return buf.Bytes()
}

func newTestCache(t *testing.T, store Store) *Cache {
	c, err := New(&Config{Store: store})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}

func TestResolveCachesInMemory(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	c := newTestCache(t, NewMemoryStore())

	url := srv.URL + "/offer/1.png"
	img1, err := c.Resolve(context.Background(), url)
	require.NoError(t, err)
	img2, err := c.Resolve(context.Background(), url)
	require.NoError(t, err)

	assert.Equal(int64(1), srv.count())
	assert.Same(img1, img2)
	assert.False(img1.Fallback)
	assert.Equal("image/png", img1.ContentType)
	w, h := img1.Bounds()
	assert.Equal(8, w)
	assert.Equal(4, h)
}

func TestResolveEmptyURL(t *testing.T) {
	c := newTestCache(t, NewMemoryStore())
	_, err := c.Resolve(context.Background(), "")
	assert.Equal(t, ErrEmptyURL, err)
}

func TestResolvePromotesPersistedImage(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	store := NewMemoryStore()
	url := srv.URL + "/offer/2.png"

	first := newTestCache(t, store)
	_, err := first.Resolve(context.Background(), url)
	require.NoError(t, err)

	second := newTestCache(t, store)
	img, err := second.Resolve(context.Background(), url)
	require.NoError(t, err)

	assert.Equal(int64(1), srv.count())
	assert.False(img.Fallback)
	assert.Equal(url, img.URL)
	assert.Equal(1, second.mem.ItemCount())
}

func TestResolveConcurrentSingleFetch(t *testing.T) {
	assert := assert.New(t)
	release := make(chan struct{})
	srv := newImageServer(t, withRelease(release))
	c := newTestCache(t, NewMemoryStore())
	url := srv.URL + "/offer/3.png"

	const callers = 20
	results := make([]*Image, callers)
	wg := &sync.WaitGroup{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img, err := c.Resolve(context.Background(), url)
			assert.NoError(err)
			results[i] = img
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(int64(1), srv.count())
	for _, img := range results {
		assert.Same(results[0], img)
	}
}

func TestResolveExpiredEntryIsReloaded(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	store := NewMemoryStore()
	c := newTestCache(t, store)
	now := time.Now()
	c.now = func() time.Time { return now }
	url := srv.URL + "/offer/4.png"

	_, err := c.Resolve(context.Background(), url)
	require.NoError(t, err)

	now = now.Add(23 * time.Hour)
	_, err = c.Resolve(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(int64(1), srv.count())

	now = now.Add(2 * time.Hour)
	img, err := c.Resolve(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(int64(2), srv.count())
	assert.Equal(now, img.Fetched)

	data, err := store.Get(context.Background(), cacheKey(DefaultPrefix, url))
	require.NoError(t, err)
	r, err := unmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(now.Unix(), r.Created.Unix())
}

func TestResolveFailureServesFallback(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t, withStatus(http.StatusInternalServerError))
	store := NewMemoryStore()
	c := newTestCache(t, store)

	img, err := c.Resolve(context.Background(), srv.URL+"/offer/5.png")
	require.NoError(t, err)
	assert.True(img.Fallback)
	assert.Same(c.Fallback(), img)

	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(keys)
	assert.Equal(0, c.mem.ItemCount())
}

func TestResolveNonImageServesFallback(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t, withBody([]byte("<html><body>not found</body></html>")))
	store := NewMemoryStore()
	c := newTestCache(t, store)

	img, err := c.Resolve(context.Background(), srv.URL+"/offer/6.png")
	require.NoError(t, err)
	assert.True(img.Fallback)

	keys, _ := store.Keys(context.Background())
	assert.Empty(keys)
}

func TestResolveDeletesCorruptedEntry(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	store := NewMemoryStore()
	c := newTestCache(t, store)
	url := srv.URL + "/offer/7.png"
	key := cacheKey(DefaultPrefix, url)
	require.NoError(t, store.Set(context.Background(), key, []byte("{not json")))

	img, err := c.Resolve(context.Background(), url)
	require.NoError(t, err)
	assert.False(img.Fallback)
	assert.Equal(int64(1), srv.count())

	data, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	_, err = unmarshalRecord(data)
	assert.NoError(err)
}

func TestResolveDeletesUndecodableEntry(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	store := NewMemoryStore()
	c := newTestCache(t, store)
	url := srv.URL + "/offer/9.png"
	key := cacheKey(DefaultPrefix, url)
	raw, err := newRecord(&Image{URL: url, Data: []byte("definitely not a png"), Fetched: time.Now()}).marshal()
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), key, raw))

	img, err := c.Resolve(context.Background(), url)
	require.NoError(t, err)
	assert.False(img.Fallback)
	assert.Equal(srv.body, img.Data)
	assert.Equal(int64(1), srv.count())

	data, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	r, err := unmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(srv.body, r.Data)
}

func TestResolveDeletesEntryOfOtherURL(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	store := NewMemoryStore()
	c := newTestCache(t, store)
	url := srv.URL + "/offer/10.png"
	key := cacheKey(DefaultPrefix, url)
	other := srv.URL + "/offer/11.png"
	raw, err := newRecord(&Image{URL: other, Data: testPNG(t, 1, 1), Fetched: time.Now()}).marshal()
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), key, raw))

	img, err := c.Resolve(context.Background(), url)
	require.NoError(t, err)
	assert.False(img.Fallback)
	assert.Equal(url, img.URL)
	assert.Equal(int64(1), srv.count())

	data, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	r, err := unmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(url, r.URL)
}

func TestClearRedisStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	srv := newImageServer(t)
	store, _ := newTestRedisStore(t)
	require.NoError(t, store.Set(ctx, "session", []byte("x")))
	c := newTestCache(t, store)

	_, err := c.Resolve(ctx, srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(1, c.Stats(ctx).Entries)

	removed, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(1, removed)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal([]string{"session"}, keys)
}

func TestResolveStopsWaitingOnContext(t *testing.T) {
	release := make(chan struct{})
	srv := newImageServer(t, withRelease(release))
	defer close(release)
	c := newTestCache(t, NewMemoryStore())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, srv.URL+"/offer/8.png")
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestClearRemovesOnlyPrefixedEntries(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "token", []byte("secret")))
	c := newTestCache(t, store)

	for _, p := range []string{"/a.png", "/b.png"} {
		_, err := c.Resolve(context.Background(), srv.URL+p)
		require.NoError(t, err)
	}

	removed, err := c.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(2, removed)
	assert.Equal(0, c.mem.ItemCount())

	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal([]string{"token"}, keys)

	_, err = c.Resolve(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(int64(3), srv.count())
}

func TestStats(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "unrelated", []byte("value")))
	c := newTestCache(t, store)

	s := c.Stats(context.Background())
	assert.Equal(0, s.Entries)
	assert.Equal("0 B", s.Size)

	for _, p := range []string{"/a.png", "/b.png"} {
		_, err := c.Resolve(context.Background(), srv.URL+p)
		require.NoError(t, err)
	}

	s = c.Stats(context.Background())
	assert.Equal(2, s.Entries)
	assert.Equal(2, s.MemoryEntries)
	assert.True(s.SizeBytes > int64(2*len(srv.body)))
	assert.NotEmpty(s.Size)
}

func TestPreload(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	c := newTestCache(t, NewMemoryStore())

	loaded, err := c.Preload(context.Background(), srv.URL+"/a.png", srv.URL+"/b.png", srv.URL+"/a.png", "")
	require.NoError(t, err)
	assert.Equal(3, loaded)
	assert.Equal(int64(2), srv.count())
}
