package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxproxy/fluxproxy/internal/metrics"
	"github.com/fluxproxy/fluxproxy/internal/store"
	"go.uber.org/zap"
)

// chatEndpoint is the fixed upstream path for chat sessions.
const chatEndpoint = "/api/chat"

// SendFunc delivers one text payload to the session's caller.
type SendFunc func(ctx context.Context, text string) error

// Session manages one long-lived bidirectional chat connection. The
// transport owns the Session for the lifetime of the connection and
// feeds it inbound messages; successive messages on the same connection
// reuse the Session. Cancellation is cooperative: Close clears the
// liveness flag and the in-flight worker stops at the next chunk
// boundary, writing neither a log record nor a cache entry.
type Session struct {
	engine *Engine
	send   SendFunc
	logger *zap.Logger

	alive  atomic.Bool
	wg     sync.WaitGroup
	workMu sync.Mutex // serializes per-message workers
}

// NewSession creates a live session bound to the given send function.
func NewSession(e *Engine, send SendFunc, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{engine: e, send: send, logger: logger}
	s.alive.Store(true)
	e.prom.ActiveSessions.Inc()
	return s
}

// Alive reports whether the session still wants chunks.
func (s *Session) Alive() bool { return s.alive.Load() }

// Close clears the liveness flag and joins the in-flight worker. Safe to
// call more than once; the transport's close callback must call it.
func (s *Session) Close() {
	if s.alive.CompareAndSwap(true, false) {
		s.engine.prom.ActiveSessions.Dec()
	}
	s.wg.Wait()
}

// HandleMessage processes one inbound chat message on its own worker
// goroutine and returns immediately so the transport can keep reading
// (a close notification must be able to arrive mid-stream). A new
// message restores liveness for the next cycle.
func (s *Session) HandleMessage(message []byte) {
	s.alive.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.workMu.Lock()
		defer s.workMu.Unlock()
		s.run(message)
	}()
}

// run executes one request cycle. Any panic is converted into a single
// error payload; a session failure never terminates the server.
func (s *Session) run(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("chat session panicked", zap.Any("panic", r))
			s.sendError("Internal Server Error")
		}
	}()

	var inbound map[string]any
	if err := json.Unmarshal(message, &inbound); err != nil {
		s.sendError("Invalid JSON")
		return
	}

	model := metrics.ModelFromRequest(message)

	if s.engine.CacheEnabled() {
		if status, cached, ok := s.engine.store.CachedResponse(string(message)); ok {
			s.logger.Info("cache hit for chat session")
			s.engine.prom.CacheHits.Inc()
			if err := s.send(context.Background(), cached); err != nil {
				return
			}
			usage := metrics.Extract([]byte(cached))
			s.engine.store.LogInteraction(store.Interaction{
				Method:           http.MethodPost,
				Endpoint:         chatEndpoint,
				Model:            model,
				RequestBody:      string(message),
				ResponseStatus:   status,
				ResponseBody:     cached,
				DurationMs:       0, // cache-hit sentinel
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
			})
			return
		}
		s.engine.prom.CacheMisses.Inc()
	}

	// The caller talks to us over a message channel, so the upstream
	// call always streams regardless of what the message asked for.
	inbound["stream"] = true
	upstreamBody, err := json.Marshal(inbound)
	if err != nil {
		s.sendError("Invalid JSON")
		return
	}

	start := time.Now()

	req, err := http.NewRequest(http.MethodPost,
		s.engine.cfg.OllamaHost+chatEndpoint, bytes.NewReader(upstreamBody))
	if err != nil {
		s.sendError("Failed to connect to upstream")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.engine.chat.Do(req)
	if err != nil {
		s.logger.Error("chat upstream request failed", zap.Error(err))
		s.engine.prom.UpstreamErrors.Inc()
		s.sendError("Failed to connect to upstream")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	var accumulated bytes.Buffer
	var ttftMs int64

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			// Cooperative cancellation: once the caller withdraws,
			// stop forwarding and accumulating. No record is written.
			if !s.alive.Load() {
				return
			}
			if ttftMs == 0 {
				ttftMs = time.Since(start).Milliseconds()
			}
			chunk := buf[:n]
			accumulated.Write(chunk)
			if err := s.send(context.Background(), string(chunk)); err != nil {
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.logger.Warn("chat stream interrupted", zap.Error(readErr))
			s.sendError("Failed to connect to upstream")
			return
		}
	}

	if !s.alive.Load() {
		return
	}
	if resp.StatusCode != http.StatusOK {
		s.sendError(fmt.Sprintf("Upstream returned status %d", resp.StatusCode))
		return
	}

	usage := metrics.Extract(accumulated.Bytes())
	s.engine.store.LogInteraction(store.Interaction{
		Method:               http.MethodPost,
		Endpoint:             chatEndpoint,
		Model:                model,
		RequestBody:          string(message),
		ResponseStatus:       resp.StatusCode,
		ResponseBody:         accumulated.String(),
		DurationMs:           time.Since(start).Milliseconds(),
		PromptTokens:         usage.PromptTokens,
		CompletionTokens:     usage.CompletionTokens,
		PromptEvalDurationMs: usage.PromptEvalMs,
		EvalDurationMs:       usage.EvalMs,
		TTFTMs:               ttftMs,
	})

	// Unlike the unary path, chat cache writes follow the toggle.
	if s.engine.CacheEnabled() && accumulated.Len() > 0 {
		if err := s.engine.store.CacheResponse(string(message), resp.StatusCode, accumulated.String()); err != nil {
			s.logger.Warn("failed to cache chat response", zap.Error(err))
		} else {
			s.engine.prom.CacheStores.Inc()
		}
	}
}

// sendError delivers a single JSON error payload if the session is
// still live. Send failures are swallowed; the connection is gone.
func (s *Session) sendError(message string) {
	if !s.alive.Load() {
		return
	}
	payload, _ := json.Marshal(map[string]string{"error": message})
	_ = s.send(context.Background(), string(payload))
}
