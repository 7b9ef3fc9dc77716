package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/rubyist/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	srv := newImageServer(t)
	f := NewHTTPFetcher(nil)

	data, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, srv.body, data)
}

func TestHTTPFetcherRejects(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	f := NewHTTPFetcher(&FetcherConfig{MaxSize: 16})

	_, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	assert.ErrorIs(err, ErrImageTooLarge)

	_, err = f.Fetch(context.Background(), "ftp://example.com/a.png")
	assert.Error(err)

	_, err = f.Fetch(context.Background(), "://nope")
	assert.Error(err)
}

func TestHTTPFetcherBreakerOpens(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t, withStatus(http.StatusBadGateway))
	f := NewHTTPFetcher(&FetcherConfig{BackoffAt: 2})

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), srv.URL+"/a.png")
		assert.Error(err)
	}
	_, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	assert.ErrorIs(err, circuit.ErrBreakerOpen)
	assert.Equal(int64(2), srv.count())
}

func TestHTTPFetcherMissingImagesKeepBreakerClosed(t *testing.T) {
	assert := assert.New(t)
	body := testPNG(t, 2, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/ok.png" {
			res.WriteHeader(http.StatusNotFound)
			return
		}
		res.Write(body)
	}))
	defer srv.Close()
	c, err := New(&Config{
		Store:   NewMemoryStore(),
		Fetcher: NewHTTPFetcher(&FetcherConfig{BackoffAt: 2}),
	})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 5; i++ {
		img, err := c.Resolve(context.Background(), fmt.Sprintf("%s/missing/%d.png", srv.URL, i))
		require.NoError(t, err)
		assert.True(img.Fallback)
	}

	img, err := c.Resolve(context.Background(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.False(img.Fallback)
}

func TestHTTPFetcherStatusError(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t, withStatus(http.StatusNotFound))
	f := NewHTTPFetcher(nil)

	_, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	statusErr := &StatusError{}
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(http.StatusNotFound, statusErr.Code)
	assert.False(statusErr.hostFailure())

	assert.True((&StatusError{Code: http.StatusBadGateway}).hostFailure())
	assert.True((&StatusError{Code: http.StatusTooManyRequests}).hostFailure())
}

func TestHTTPFetcherAllowHosts(t *testing.T) {
	assert := assert.New(t)
	srv := newImageServer(t)
	f := NewHTTPFetcher(&FetcherConfig{AllowHosts: []string{"127.0.0.1", "*.example.com"}})

	_, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	assert.NoError(err)

	assert.NoError(f.Check("https://cdn.example.com/a.png"))
	assert.NoError(f.Check("https://CDN.Example.com/a.png"))
	assert.ErrorIs(f.Check("http://localhost/a.png"), ErrHostNotAllowed)
	assert.ErrorIs(f.Check("http://169.254.169.254/latest"), ErrHostNotAllowed)
	assert.ErrorIs(f.Check("https://example.com.evil.org/a.png"), ErrHostNotAllowed)

	_, err = f.Fetch(context.Background(), "http://localhost/a.png")
	assert.ErrorIs(err, ErrHostNotAllowed)

	assert.NoError(NewHTTPFetcher(nil).Check("http://localhost/a.png"))
}

func TestDecodeImage(t *testing.T) {
	assert := assert.New(t)

	img, contentType, err := decodeImage(testPNG(t, 3, 5))
	require.NoError(t, err)
	assert.Equal("image/png", contentType)
	assert.Equal(3, img.Bounds().Dx())

	_, _, err = decodeImage([]byte("plain text"))
	assert.ErrorIs(err, ErrNotAnImage)

	// png signature with a truncated body
	_, _, err = decodeImage(testPNG(t, 3, 5)[:40])
	assert.Error(err)
}

func TestPlaceholder(t *testing.T) {
	assert := assert.New(t)
	p := Placeholder()
	assert.True(p.Fallback)

	img, contentType, err := decodeImage(p.Data)
	require.NoError(t, err)
	assert.Equal("image/png", contentType)
	assert.Equal(placeholderSize, img.Bounds().Dx())
}

func TestLoadFallback(t *testing.T) {
	_, err := LoadFallback("/does/not/exist.png")
	assert.Error(t, err)
}
