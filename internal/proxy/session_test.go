package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sendRecorder collects everything a session sends to its caller.
type sendRecorder struct {
	mu    sync.Mutex
	sent  []string
	first chan struct{}
	once  sync.Once
}

func newSendRecorder() *sendRecorder {
	return &sendRecorder{first: make(chan struct{})}
}

func (r *sendRecorder) send(_ context.Context, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	r.once.Do(func() { close(r.first) })
	return nil
}

func (r *sendRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *sendRecorder) joined() string { return strings.Join(r.all(), "") }

func handleAndWait(s *Session, msg string) {
	s.HandleMessage([]byte(msg))
	s.wg.Wait()
}

func TestSessionInvalidJSON(t *testing.T) {
	e, st := newTestEngine(t, "http://unused.invalid")
	rec := newSendRecorder()
	s := NewSession(e, rec.send, zap.NewNop())
	defer s.Close()

	handleAndWait(s, `{not json`)

	sent := rec.all()
	require.Len(t, sent, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(sent[0]), &payload))
	assert.Equal(t, "Invalid JSON", payload["error"])

	st.Flush()
	logs, err := st.Logs(10)
	require.NoError(t, err)
	assert.Empty(t, logs, "a parse failure must not touch the store")
}

func TestSessionForcesStreamingAndLogs(t *testing.T) {
	var gotUpstreamBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUpstreamBody, _ = json.Marshal(decodeBody(r))
		assert.Equal(t, "/api/chat", r.URL.Path)
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"message":{"content":"Hel"},"done":false}`)
		flusher.Flush()
		fmt.Fprint(w, summaryLine)
	}))
	defer upstream.Close()

	e, st := newTestEngine(t, upstream.URL)
	rec := newSendRecorder()
	s := NewSession(e, rec.send, zap.NewNop())
	defer s.Close()

	msg := `{"model":"llama3","messages":[{"role":"user","content":"hi"}],"stream":false}`
	handleAndWait(s, msg)

	assert.Contains(t, string(gotUpstreamBody), `"stream":true`,
		"upstream call must force streaming regardless of the request")
	assert.Contains(t, rec.joined(), `"content":"Hel"`)

	st.Flush()
	logs, err := st.Logs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "/api/chat", logs[0].Endpoint)
	assert.Equal(t, "llama3", logs[0].Model)
	assert.Equal(t, msg, logs[0].RequestBody)
	assert.Equal(t, 5, logs[0].PromptTokens)
	assert.Equal(t, 10, logs[0].CompletionTokens)
	assert.Greater(t, logs[0].DurationMs, int64(-1))

	// Chat cache writes follow the toggle, which is enabled here.
	_, _, ok := st.CachedResponse(msg)
	assert.True(t, ok)
}

func decodeBody(r *http.Request) map[string]any {
	var m map[string]any
	_ = json.NewDecoder(r.Body).Decode(&m)
	return m
}

func TestSessionCacheHit(t *testing.T) {
	e, st := newTestEngine(t, "http://unused.invalid")
	msg := `{"model":"llama3","messages":[]}`
	cachedBody := `{"message":{"content":"cached"},"done":true,"eval_count":3}`
	require.NoError(t, st.CacheResponse(msg, 200, cachedBody))

	rec := newSendRecorder()
	s := NewSession(e, rec.send, zap.NewNop())
	defer s.Close()

	handleAndWait(s, msg)

	require.Equal(t, []string{cachedBody}, rec.all())

	st.Flush()
	logs, err := st.Logs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(0), logs[0].DurationMs)
	assert.Equal(t, 3, logs[0].CompletionTokens)
}

func TestSessionCacheDisabledSkipsReadAndWrite(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, summaryLine)
	}))
	defer upstream.Close()

	e, st := newTestEngine(t, upstream.URL)
	e.SetCacheEnabled(false)

	msg := `{"model":"llama3","messages":[]}`
	rec := newSendRecorder()
	s := NewSession(e, rec.send, zap.NewNop())
	defer s.Close()

	handleAndWait(s, msg)

	st.Flush()
	logs, err := st.Logs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1, "completion is still logged with caching off")

	_, _, ok := st.CachedResponse(msg)
	assert.False(t, ok, "chat cache write is gated by the toggle")
}

func TestSessionUpstreamNon200(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"overloaded"}`)
	}))
	defer upstream.Close()

	e, st := newTestEngine(t, upstream.URL)
	rec := newSendRecorder()
	s := NewSession(e, rec.send, zap.NewNop())
	defer s.Close()

	handleAndWait(s, `{"model":"llama3","messages":[]}`)

	sent := rec.all()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1], "Upstream returned status 502")

	st.Flush()
	logs, err := st.Logs(10)
	require.NoError(t, err)
	assert.Empty(t, logs, "non-200 chat completions are not logged")
}

func TestSessionUpstreamUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	e, st := newTestEngine(t, dead.URL)
	rec := newSendRecorder()
	s := NewSession(e, rec.send, zap.NewNop())
	defer s.Close()

	handleAndWait(s, `{"model":"llama3","messages":[]}`)

	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Failed to connect to upstream")

	st.Flush()
	logs, err := st.Logs(10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSessionCancellationWritesNothing(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"message":{"content":"first"},"done":false}`)
		flusher.Flush()
		<-release
		fmt.Fprint(w, summaryLine)
	}))
	defer upstream.Close()
	defer close(release)

	e, st := newTestEngine(t, upstream.URL)
	rec := newSendRecorder()
	s := NewSession(e, rec.send, zap.NewNop())

	msg := `{"model":"llama3","messages":[]}`
	s.HandleMessage([]byte(msg))

	// Wait for the first forwarded chunk, then withdraw interest while
	// the upstream stream is still in flight.
	<-rec.first
	go func() { release <- struct{}{} }()
	s.Close()

	st.Flush()
	logs, err := st.Logs(10)
	require.NoError(t, err)
	assert.Empty(t, logs, "a cancelled session must not write a record")

	_, _, ok := st.CachedResponse(msg)
	assert.False(t, ok, "a cancelled session must not write a cache entry")
}

func TestSessionReentryAcrossMessages(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, summaryLine)
	}))
	defer upstream.Close()

	e, st := newTestEngine(t, upstream.URL)
	e.SetCacheEnabled(false) // force upstream on both cycles
	rec := newSendRecorder()
	s := NewSession(e, rec.send, zap.NewNop())
	defer s.Close()

	handleAndWait(s, `{"model":"llama3","messages":[{"role":"user","content":"one"}]}`)
	handleAndWait(s, `{"model":"llama3","messages":[{"role":"user","content":"two"}]}`)

	st.Flush()
	logs, err := st.Logs(10)
	require.NoError(t, err)
	assert.Len(t, logs, 2, "the connection persists across message cycles")
}
