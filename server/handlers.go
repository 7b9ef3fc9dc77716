package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chrisvdg/imagecache/backend"
	"github.com/chrisvdg/imagecache/cache"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const imageMaxAge = "public, max-age=3600"

func newHandlers(c *cache.Cache, fetcher *cache.HTTPFetcher, client *backend.Client, monitor *backend.Monitor) *handlers {
	return &handlers{
		cache:   c,
		fetcher: fetcher,
		client:  client,
		monitor: monitor,
	}
}

type handlers struct {
	cache   *cache.Cache
	fetcher *cache.HTTPFetcher
	client  *backend.Client
	monitor *backend.Monitor
}

// ImageHandler serves the image behind the url query parameter
func (h *handlers) ImageHandler(res http.ResponseWriter, req *http.Request) {
	url := req.URL.Query().Get("url")
	if url == "" {
		writeError(res, http.StatusBadRequest, "url parameter is required")
		return
	}
	err := h.fetcher.Check(url)
	if errors.Is(err, cache.ErrHostNotAllowed) {
		writeError(res, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		writeError(res, http.StatusBadRequest, err.Error())
		return
	}
	h.serveImage(res, req, url)
}

// OfferPreviewHandler serves the preview image of an offer
func (h *handlers) OfferPreviewHandler(res http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	offer, err := h.client.Offer(req.Context(), id)
	if err != nil {
		writeBackendError(res, err)
		return
	}

	preview := offer.PreviewImage
	if preview == "" && len(offer.Images) > 0 {
		preview = offer.Images[0]
	}
	if preview == "" {
		writeImage(res, h.cache.Fallback())
		return
	}
	h.serveImage(res, req, preview)
}

// PreloadHandler warms the cache with the preview images of all offers
func (h *handlers) PreloadHandler(res http.ResponseWriter, req *http.Request) {
	offers, err := h.client.Offers(req.Context())
	if err != nil {
		writeBackendError(res, err)
		return
	}

	urls := make([]string, 0, len(offers))
	for _, o := range offers {
		if o.PreviewImage != "" {
			urls = append(urls, o.PreviewImage)
		}
	}
	loaded, err := h.cache.Preload(req.Context(), urls...)
	if err != nil {
		log.Warnf("preload interrupted: %s", err)
	}

	writeJSON(res, http.StatusOK, map[string]int{
		"requested": len(urls),
		"loaded":    loaded,
	})
}

// StatsHandler reports the cache size
func (h *handlers) StatsHandler(res http.ResponseWriter, req *http.Request) {
	writeJSON(res, http.StatusOK, h.cache.Stats(req.Context()))
}

// ClearHandler empties the cache
func (h *handlers) ClearHandler(res http.ResponseWriter, req *http.Request) {
	removed, err := h.cache.Clear(req.Context())
	if err != nil {
		log.Error(err)
		writeError(res, http.StatusInternalServerError, "failed to clear image cache")
		return
	}
	writeJSON(res, http.StatusOK, map[string]int{"removed": removed})
}

// HealthHandler reports the last known backend status
func (h *handlers) HealthHandler(res http.ResponseWriter, req *http.Request) {
	writeJSON(res, http.StatusOK, h.monitor.Status())
}

// WakeUpHandler tries to wake up the backend
func (h *handlers) WakeUpHandler(res http.ResponseWriter, req *http.Request) {
	h.monitor.WakeUp(req.Context())
	writeJSON(res, http.StatusOK, h.monitor.Status())
}

func (h *handlers) serveImage(res http.ResponseWriter, req *http.Request, url string) {
	img, err := h.cache.Resolve(req.Context(), url)
	if err != nil {
		log.Debugf("gave up resolving %s: %s", url, err)
		writeError(res, http.StatusServiceUnavailable, "image not available")
		return
	}
	writeImage(res, img)
}

func writeImage(res http.ResponseWriter, img *cache.Image) {
	res.Header().Set("Content-Type", img.ContentType)
	res.Header().Set("Content-Length", strconv.Itoa(img.Size()))
	res.Header().Set("X-Image-Fallback", strconv.FormatBool(img.Fallback))
	if img.Fallback {
		res.Header().Set("Cache-Control", "no-store")
	} else {
		res.Header().Set("Cache-Control", imageMaxAge)
	}
	res.WriteHeader(http.StatusOK)
	_, err := res.Write(img.Data)
	if err != nil {
		log.Debugf("failed to write image: %s", err)
	}
}

// writeBackendError surfaces a backend failure as a plain message
func writeBackendError(res http.ResponseWriter, err error) {
	apiErr := &backend.APIError{}
	if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
		writeError(res, apiErr.Status, apiErr.Message)
		return
	}
	log.Errorf("backend request failed: %s", err)
	writeError(res, http.StatusBadGateway, err.Error())
}

func writeError(res http.ResponseWriter, status int, msg string) {
	writeJSON(res, status, map[string]string{"error": msg})
}

func writeJSON(res http.ResponseWriter, status int, v interface{}) {
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(status)
	err := json.NewEncoder(res).Encode(v)
	if err != nil {
		log.Debugf("failed to write response: %s", err)
	}
}
