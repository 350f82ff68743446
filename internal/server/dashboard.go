package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fluxproxy/fluxproxy/internal/config"
	"github.com/fluxproxy/fluxproxy/internal/store"
	"go.uber.org/zap"
)

// broadcastInterval is how often dashboard snapshots go out.
const broadcastInterval = time.Second

// logSummary is an Interaction stripped of its request/response bodies;
// the dashboard list view does not need them and they can be large.
type logSummary struct {
	ID                   int64  `json:"id"`
	Timestamp            string `json:"timestamp"`
	Method               string `json:"method"`
	Endpoint             string `json:"endpoint"`
	Model                string `json:"model"`
	ResponseStatus       int    `json:"response_status"`
	DurationMs           int64  `json:"duration_ms"`
	PromptTokens         int    `json:"prompt_tokens"`
	CompletionTokens     int    `json:"completion_tokens"`
	PromptEvalDurationMs int64  `json:"prompt_eval_duration_ms"`
	EvalDurationMs       int64  `json:"eval_duration_ms"`
	Starred              bool   `json:"is_starred"`
}

// snapshot is one dashboard update frame.
type snapshot struct {
	Logs         []logSummary    `json:"logs"`
	Metrics      store.Aggregate `json:"metrics"`
	RunningModel string          `json:"running_model"`
}

// Broadcaster periodically pushes a snapshot of recent activity to all
// registered dashboard connections. It is a plain consumer of the
// store's query API plus the upstream /api/ps endpoint.
type Broadcaster struct {
	store  *store.Store
	cfg    *config.Config
	logger *zap.Logger
	client *http.Client

	mu    sync.Mutex
	conns map[*wsConn]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBroadcaster creates a stopped broadcaster; call Start to begin.
func NewBroadcaster(st *store.Store, cfg *config.Config, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		store:  st,
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: time.Second},
		conns:  make(map[*wsConn]struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the broadcast loop.
func (b *Broadcaster) Start() {
	go b.loop()
}

// Stop terminates the broadcast loop and waits for it to exit.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// Add registers a dashboard connection.
func (b *Broadcaster) Add(c *wsConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c] = struct{}{}
}

// Remove unregisters a dashboard connection.
func (b *Broadcaster) Remove(c *wsConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

func (b *Broadcaster) loop() {
	defer close(b.done)
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.broadcast()
		}
	}
}

func (b *Broadcaster) broadcast() {
	b.mu.Lock()
	n := len(b.conns)
	b.mu.Unlock()
	if n == 0 {
		return
	}

	logs, err := b.store.Logs(defaultLogLimit)
	if err != nil {
		b.logger.Warn("dashboard snapshot failed", zap.Error(err))
		return
	}
	summaries := make([]logSummary, len(logs))
	for i, rec := range logs {
		summaries[i] = logSummary{
			ID:                   rec.ID,
			Timestamp:            rec.Timestamp,
			Method:               rec.Method,
			Endpoint:             rec.Endpoint,
			Model:                rec.Model,
			ResponseStatus:       rec.ResponseStatus,
			DurationMs:           rec.DurationMs,
			PromptTokens:         rec.PromptTokens,
			CompletionTokens:     rec.CompletionTokens,
			PromptEvalDurationMs: rec.PromptEvalDurationMs,
			EvalDurationMs:       rec.EvalDurationMs,
			Starred:              rec.Starred,
		}
	}

	frame, err := json.Marshal(snapshot{
		Logs:         summaries,
		Metrics:      b.store.Metrics(),
		RunningModel: b.runningModel(),
	})
	if err != nil {
		b.logger.Warn("dashboard snapshot encode failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	conns := make([]*wsConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.sendText(ctx, string(frame)); err != nil {
			b.logger.Debug("dashboard push failed", zap.Error(err))
		}
	}
}

// runningModel asks the upstream server which model is loaded. Any
// failure reports the server as offline rather than erroring.
func (b *Broadcaster) runningModel() string {
	resp, err := b.client.Get(b.cfg.OllamaHost + "/api/ps")
	if err != nil {
		return "Ollama Offline"
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "Ollama Offline"
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "Ollama Offline"
	}
	var ps struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &ps); err != nil || len(ps.Models) == 0 {
		return "None"
	}
	return ps.Models[0].Name
}
