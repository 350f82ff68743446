// Package proxy implements the forwarding core: cache-aside lookup,
// streaming pass-through to the upstream model server, and asynchronous
// interaction logging. It owns no sockets; the transport layer calls in.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fluxproxy/fluxproxy/internal/config"
	"github.com/fluxproxy/fluxproxy/internal/metrics"
	"github.com/fluxproxy/fluxproxy/internal/store"
	"go.uber.org/zap"
)

const (
	// HeaderNoCache bypasses the cache read path for a single request.
	HeaderNoCache = "X-FluxProxy-No-Cache"
	// HeaderCache tags a response as a cache HIT or MISS.
	HeaderCache = "X-FluxProxy-Cache"
)

// Engine orchestrates one proxied request: cache check, upstream
// forward, streaming, accumulation, cache write, and log enqueue.
// Engines are safe for concurrent use; each request runs independently.
type Engine struct {
	cfg     *config.Config
	store   *store.Store
	logger  *zap.Logger
	prom    *PromMetrics
	client  *http.Client
	chat    *http.Client
	caching atomic.Bool
}

// New creates an Engine. The chat client carries a much longer timeout
// than the unary client since a chat session may idle between tokens.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger, prom *PromMetrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prom == nil {
		prom = NopPromMetrics()
	}
	e := &Engine{
		cfg:    cfg,
		store:  st,
		logger: logger,
		prom:   prom,
		client: &http.Client{Timeout: cfg.UpstreamTimeout},
		chat:   &http.Client{Timeout: cfg.ChatTimeout},
	}
	e.caching.Store(cfg.CacheEnabled)
	return e
}

// CacheEnabled reports the runtime cache toggle. The toggle is a soft
// policy shared across sessions; stale reads are acceptable.
func (e *Engine) CacheEnabled() bool { return e.caching.Load() }

// SetCacheEnabled flips the runtime cache toggle.
func (e *Engine) SetCacheEnabled(enabled bool) { e.caching.Store(enabled) }

// Forward proxies one request to the upstream server at targetEndpoint,
// streaming the response to w chunk by chunk. The request body must
// already be read by the caller so it can double as the cache key.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, targetEndpoint string, requestBody []byte) {
	start := time.Now()
	model := metrics.ModelFromRequest(requestBody)

	skipCache := !e.CacheEnabled() || r.Header.Get(HeaderNoCache) == "true"
	if !skipCache {
		if status, cached, ok := e.store.CachedResponse(string(requestBody)); ok {
			e.logger.Info("cache hit", zap.String("endpoint", targetEndpoint))
			e.prom.CacheHits.Inc()

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderCache, "HIT")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, cached)

			usage := metrics.Extract([]byte(cached))
			e.store.LogInteraction(store.Interaction{
				Method:           r.Method,
				Endpoint:         targetEndpoint,
				Model:            model,
				RequestBody:      string(requestBody),
				ResponseStatus:   status,
				ResponseBody:     cached,
				DurationMs:       0, // cache-hit sentinel
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
			})
			e.observe(targetEndpoint, status, start)
			return
		}
		e.prom.CacheMisses.Inc()
	}

	e.logger.Info("forwarding request",
		zap.String("endpoint", targetEndpoint),
		zap.String("model", model),
		zap.String("upstream", e.cfg.OllamaHost))

	req, err := http.NewRequestWithContext(r.Context(), r.Method,
		e.cfg.OllamaHost+targetEndpoint, bytes.NewReader(requestBody))
	if err != nil {
		e.failRequest(w, r, targetEndpoint, model, requestBody, start, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.failRequest(w, r, targetEndpoint, model, requestBody, start, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderCache, "MISS")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)

	var accumulated bytes.Buffer
	var ttftMs int64
	streamErr := error(nil)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if ttftMs == 0 {
				ttftMs = time.Since(start).Milliseconds()
			}
			chunk := buf[:n]
			accumulated.Write(chunk)
			if _, writeErr := w.Write(chunk); writeErr == nil && flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			streamErr = readErr
			break
		}
	}

	// Cache only complete 200 responses with a body. The write path is
	// deliberately not gated by the runtime toggle, which only governs
	// reads.
	if streamErr == nil && resp.StatusCode == http.StatusOK && accumulated.Len() > 0 {
		if err := e.store.CacheResponse(string(requestBody), resp.StatusCode, accumulated.String()); err != nil {
			e.logger.Warn("failed to cache response", zap.Error(err))
		} else {
			e.prom.CacheStores.Inc()
		}
	}
	if streamErr != nil {
		e.logger.Warn("upstream stream interrupted", zap.Error(streamErr))
	}

	usage := metrics.Extract(accumulated.Bytes())
	e.store.LogInteraction(store.Interaction{
		Method:               r.Method,
		Endpoint:             targetEndpoint,
		Model:                model,
		RequestBody:          string(requestBody),
		ResponseStatus:       resp.StatusCode,
		ResponseBody:         accumulated.String(),
		DurationMs:           time.Since(start).Milliseconds(),
		PromptTokens:         usage.PromptTokens,
		CompletionTokens:     usage.CompletionTokens,
		PromptEvalDurationMs: usage.PromptEvalMs,
		EvalDurationMs:       usage.EvalMs,
		TTFTMs:               ttftMs,
	})
	e.observe(targetEndpoint, resp.StatusCode, start)
}

// failRequest reports an upstream failure to the caller and records the
// failed interaction. Nothing is written to the cache.
func (e *Engine) failRequest(w http.ResponseWriter, r *http.Request, targetEndpoint, model string, requestBody []byte, start time.Time, cause error) {
	e.logger.Error("upstream request failed",
		zap.String("endpoint", targetEndpoint), zap.Error(cause))
	e.prom.UpstreamErrors.Inc()

	body := fmt.Sprintf("Error forwarding request to upstream: %v", cause)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, body)

	e.store.LogInteraction(store.Interaction{
		Method:         r.Method,
		Endpoint:       targetEndpoint,
		Model:          model,
		RequestBody:    string(requestBody),
		ResponseStatus: http.StatusInternalServerError,
		ResponseBody:   body,
		DurationMs:     time.Since(start).Milliseconds(),
	})
	e.observe(targetEndpoint, http.StatusInternalServerError, start)
}

func (e *Engine) observe(endpoint string, status int, start time.Time) {
	e.prom.Requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	e.prom.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
