package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movebroker/movebroker/pkg/broker"
	"github.com/movebroker/movebroker/pkg/config"
	"github.com/movebroker/movebroker/pkg/metrics"
	"github.com/movebroker/movebroker/pkg/protocol"
	mbtest "github.com/movebroker/movebroker/pkg/testing"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func TestMain(m *testing.M) {
	mbtest.Main()
	metrics.Init()
	os.Exit(m.Run())
}

// stubBroker answers every evaluation with result or err.
type stubBroker struct {
	mu       sync.Mutex
	result   protocol.Result
	err      error
	ready    bool
	restarts int
	last     protocol.Request
}

func (b *stubBroker) Evaluate(_ context.Context, req protocol.Request) (protocol.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = req
	return b.result, b.err
}

func (b *stubBroker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *stubBroker) Status() broker.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return broker.Status{Mode: config.ModePersistent, Alive: b.ready, Restarts: b.restarts}
}

func (b *stubBroker) Restart(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.restarts++
	b.ready = true
	return nil
}

func (b *stubBroker) lastRequest() protocol.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func testServerConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	cfg := config.Default().Server
	cfg.Port = 0
	cfg.StaticDir = t.TempDir()
	return cfg
}

func newTestServer(t *testing.T, cfg config.ServerConfig, b Broker) *Server {
	t.Helper()
	s, err := New(cfg, b)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func moveBody(color string, depth int) string {
	return fmt.Sprintf(`{"fen":%q,"color":%q,"depth":%d}`, startFEN, color, depth)
}

func TestMove_OK(t *testing.T) {
	t.Parallel()

	b := &stubBroker{result: protocol.Result{Move: "e2e4", Score: 35}, ready: true}
	s := newTestServer(t, testServerConfig(t), b)

	rec := do(t, s.Handler(), http.MethodPost, "/move", moveBody("white", 5))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"move":"e2e4","evaluation":35}`, rec.Body.String())
	assert.Equal(t, protocol.Request{FEN: startFEN, Color: protocol.White, Depth: 5}, b.lastRequest())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestMove_Mate(t *testing.T) {
	t.Parallel()

	b := &stubBroker{result: protocol.Result{Move: "Qh5", Score: 2, Mate: true}, ready: true}
	s := newTestServer(t, testServerConfig(t), b)

	rec := do(t, s.Handler(), http.MethodPost, "/move", moveBody("b", 3))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"move":"Qh5","evaluation":2,"mate":true}`, rec.Body.String())
	assert.Equal(t, protocol.Black, b.lastRequest().Color)
}

func TestMove_InvalidRequest(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testServerConfig(t), &stubBroker{ready: true})

	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"not json", `{"fen":`, http.StatusBadRequest, ""},
		{"missing depth", fmt.Sprintf(`{"fen":%q,"color":"white"}`, startFEN), http.StatusBadRequest, "depth"},
		{"depth too deep", moveBody("white", 99), http.StatusBadRequest, "depth"},
		{"bad color", moveBody("green", 3), http.StatusBadRequest, "color"},
		{"unknown field", fmt.Sprintf(`{"fen":%q,"color":"w","depth":1,"x":1}`, startFEN), http.StatusBadRequest, "x"},
		{"too large", `{"fen":"` + strings.Repeat("a", 128<<10) + `"}`, http.StatusRequestEntityTooLarge, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/move", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeBody(t, rec)
			assert.Equal(t, broker.CodeInvalidRequest, body["error"])
			assert.NotEmpty(t, body["message"])
			if tt.field != "" {
				details, ok := body["details"].([]any)
				require.True(t, ok, rec.Body.String())
				var fields []string
				for _, d := range details {
					fields = append(fields, d.(map[string]any)["field"].(string))
				}
				assert.Contains(t, fields, tt.field)
			}
		})
	}
}

func TestMove_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testServerConfig(t), &stubBroker{ready: true})
	rec := do(t, s.Handler(), http.MethodGet, "/move", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestMove_EngineErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: engine output closed", broker.ErrEngineUnavailable), http.StatusInternalServerError, broker.CodeEngineUnavailable},
		{fmt.Errorf("%w: no reply within 30s", broker.ErrEngineTimeout), http.StatusInternalServerError, broker.CodeEngineTimeout},
		{fmt.Errorf("%w: %q", broker.ErrMalformedEngineOutput, "garbage"), http.StatusInternalServerError, broker.CodeMalformedEngineOutput},
		{&broker.FieldError{Field: "fen", Message: "invalid fen"}, http.StatusBadRequest, broker.CodeInvalidRequest},
		{broker.ErrClosed, http.StatusInternalServerError, broker.CodeEngineUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			s := newTestServer(t, testServerConfig(t), &stubBroker{err: tt.err})
			rec := do(t, s.Handler(), http.MethodPost, "/move", moveBody("white", 2))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeBody(t, rec)["error"])
		})
	}
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	b := &stubBroker{}
	s := newTestServer(t, testServerConfig(t), b)

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])

	rec = do(t, s.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, broker.CodeEngineUnavailable, decodeBody(t, rec)["error"])

	rec = do(t, s.Handler(), http.MethodPost, "/engine/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["restarts"])

	rec = do(t, s.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])

	rec = do(t, s.Handler(), http.MethodGet, "/engine/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "persistent", body["mode"])
	assert.Equal(t, true, body["alive"])
}

func TestRestart_Failure(t *testing.T) {
	t.Parallel()

	b := &stubBroker{err: fmt.Errorf("%w: no such file", broker.ErrEngineStart)}
	s := newTestServer(t, testServerConfig(t), b)

	rec := do(t, s.Handler(), http.MethodPost, "/engine/restart", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, broker.CodeEngineUnavailable, decodeBody(t, rec)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	b := &stubBroker{result: protocol.Result{Move: "e2e4", Score: 1}, ready: true}
	s := newTestServer(t, testServerConfig(t), b)

	do(t, s.Handler(), http.MethodPost, "/move", moveBody("w", 1))
	do(t, s.Handler(), http.MethodGet, "/some/file.txt", "")

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `movebroker_http_requests_total{method="POST",path="/move",status="200"}`)
	assert.Contains(t, text, `movebroker_http_requests_total{method="GET",path="static",status="404"}`)
	assert.Contains(t, text, "# TYPE movebroker_http_request_duration_seconds histogram")
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testServerConfig(t), &stubBroker{ready: true})

	const rid = "0b7e4a52-7d1f-4a8e-9a4e-0c3f7f1c2d11"
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, rid)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, rid, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "not an id\n")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, "not an id\n", rec.Header().Get(RequestIDHeader))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig(t)
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	b := &stubBroker{result: protocol.Result{Move: "e2e4", Score: 1}, ready: true}
	s := newTestServer(t, cfg, b)

	for range 2 {
		rec := do(t, s.Handler(), http.MethodPost, "/move", moveBody("w", 1))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s.Handler(), http.MethodPost, "/move", moveBody("w", 1))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeBody(t, rec)["error"])

	// Only /move and /ws are limited.
	rec = do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testServerConfig(t), &panicBroker{})
	rec := do(t, s.Handler(), http.MethodGet, "/engine/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeBody(t, rec)["error"])
}

type panicBroker struct{ stubBroker }

func (*panicBroker) Status() broker.Status { panic("boom") }

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testServerConfig(t), &stubBroker{ready: true})
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.True(t, s.IsRunning())

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	assert.Zero(t, s.Uptime())
}

func TestNew_BadExcludePattern(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig(t)
	cfg.StaticExclude = []string{"[unclosed"}
	_, err := New(cfg, &stubBroker{})
	assert.Error(t, err)
}

// The full path: HTTP handler, broker, engine process and back.
func TestMove_WithFakeEngine(t *testing.T) {
	t.Parallel()

	b := broker.New(mbtest.New(t, mbtest.Fixed).WithReply("e2e4 35").EngineConfig())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	s := newTestServer(t, testServerConfig(t), b)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/move", "application/json", strings.NewReader(moveBody("white", 5)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, map[string]any{"move": "e2e4", "evaluation": float64(35)}, got)
}

// A request queued behind a stuck engine waits for the slot and then for its
// own reply. The listener's write deadline must still let the error out.
func TestMove_QueuedBehindStuckEngine(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Server = testServerConfig(t)
	cfg.Server.WriteTimeout = 4 * time.Second
	cfg.Engine = mbtest.New(t, mbtest.SlowFirst).
		WithDelay(10 * time.Second).
		WithTimeout(time.Second).
		Configure(func(c *config.EngineConfig) { c.SlotTimeout = 2 * time.Second }).
		EngineConfig()
	require.NoError(t, cfg.Validate())

	b := broker.New(cfg.Engine)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	s := newTestServer(t, cfg.Server, b)
	require.NoError(t, s.Start())
	url := "http://" + s.Addr().String() + "/move"

	var wg sync.WaitGroup
	codes := make([]string, 2)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(url, "application/json", strings.NewReader(moveBody("white", 3)))
			if !assert.NoError(t, err, "request %d got no response", i) {
				return
			}
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			var body map[string]any
			if assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body)) {
				codes[i], _ = body["error"].(string)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{broker.CodeEngineTimeout, broker.CodeEngineTimeout}, codes)
}
