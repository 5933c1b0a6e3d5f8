package handler

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/cachemesh/internal/codec"
	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/service"
)

// Headers used to carry lookup details and entry metadata alongside raw values.
const (
	HeaderMatchType   = "X-Cache-Match"
	HeaderSource      = "X-Cache-Source"
	HeaderMatchedKey  = "X-Cache-Matched-Key"
	HeaderSimilarity  = "X-Cache-Similarity"
	HeaderMetaPrefix  = "X-Cache-Meta-"
	defaultPutTimeout = 10 * time.Second
)

// CacheHandler serves cache reads, writes and eviction controls.
type CacheHandler struct {
	orchestrator *service.CacheOrchestrator
	timeout      time.Duration
	logger       *zap.Logger
}

// NewCacheHandler creates a CacheHandler; timeout bounds each request
func NewCacheHandler(orchestrator *service.CacheOrchestrator, timeout time.Duration, logger *zap.Logger) *CacheHandler {
	if timeout <= 0 {
		timeout = defaultPutTimeout
	}
	return &CacheHandler{orchestrator: orchestrator, timeout: timeout, logger: logger}
}

// Get handles GET /v1/cache/{key}. The value is returned as the raw body.
func (h *CacheHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	threshold := -1.0
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			WriteError(w, r, cacheerrors.InvalidArgument("threshold must be a number between 0 and 1", err), h.logger)
			return
		}
		threshold = v
	}

	ctx, cancel := withTimeout(r, h.timeout)
	defer cancel()

	var (
		res *service.LookupResult
		err error
	)
	if threshold >= 0 {
		res, err = h.orchestrator.GetWithThreshold(ctx, key, threshold)
	} else {
		res, err = h.orchestrator.Get(ctx, key)
	}
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if !res.Found {
		WriteError(w, r, cacheerrors.KeyNotFound(key), h.logger)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "application/octet-stream")
	header.Set(HeaderMatchType, res.MatchType)
	header.Set(HeaderSource, res.Source)
	if res.MatchedKey != "" {
		header.Set(HeaderMatchedKey, res.MatchedKey)
		header.Set(HeaderSimilarity, strconv.FormatFloat(res.Similarity, 'f', 4, 64))
	}
	for k, v := range res.Metadata {
		header.Set(HeaderMetaPrefix+k, v)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Value)
}

// Put handles PUT /v1/cache/{key}. The body is the value; ttl is in seconds.
func (h *CacheHandler) Put(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ttl, err := parseSeconds(r, "ttl")
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, codec.MaxValueSize))
	if err != nil {
		WriteError(w, r, cacheerrors.InvalidArgument("failed to read value", err), h.logger)
		return
	}

	ctx, cancel := withTimeout(r, h.timeout)
	defer cancel()

	if err := h.orchestrator.Put(ctx, key, body, ttl, metadataFromHeaders(r.Header)); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status": "ok",
		"key":    key,
		"bytes":  len(body),
	})
}

// Delete handles DELETE /v1/cache/{key}.
func (h *CacheHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ctx, cancel := withTimeout(r, h.timeout)
	defer cancel()

	if err := h.orchestrator.Delete(ctx, key); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /v1/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.GetStats())
}

// EnforceEviction handles POST /v1/eviction/enforce.
func (h *CacheHandler) EnforceEviction(w http.ResponseWriter, r *http.Request) {
	evicted := h.orchestrator.EnforceEviction()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"evicted": evicted,
	})
}

func metadataFromHeaders(header http.Header) map[string]string {
	var meta map[string]string
	for name, values := range header {
		if !strings.HasPrefix(name, HeaderMetaPrefix) || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.ToLower(strings.TrimPrefix(name, HeaderMetaPrefix))] = values[0]
	}
	return meta
}

// parseSeconds reads an optional non-negative duration in seconds from the query
func parseSeconds(r *http.Request, name string) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, cacheerrors.InvalidArgument(fmt.Sprintf("%s must be a non-negative number of seconds", name), err)
	}
	return time.Duration(v * float64(time.Second)), nil
}
