package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	lokiFlushInterval = 5 * time.Second
	lokiBatchSize     = 100
)

// LokiHandler is a slog.Handler that pushes records to a Loki endpoint.
// Handlers derived through WithAttrs/WithGroup share one batch and one
// flush timer with their parent.
type LokiHandler struct {
	sink   *lokiSink
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

type lokiSink struct {
	url       string
	labels    map[string]string
	client    *http.Client
	batchSize int

	mu     sync.Mutex
	batch  [][2]string // {unix nanos, line}
	timer  *time.Timer
	closed bool
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// LokiOption configures a LokiHandler.
type LokiOption func(*LokiHandler)

// WithLokiLabels adds stream labels.
func WithLokiLabels(labels map[string]string) LokiOption {
	return func(h *LokiHandler) {
		for k, v := range labels {
			h.sink.labels[k] = v
		}
	}
}

// WithLokiLevel sets the minimum log level.
func WithLokiLevel(level slog.Level) LokiOption {
	return func(h *LokiHandler) {
		h.level = level
	}
}

// WithLokiBatchSize sets how many records trigger an early flush.
func WithLokiBatchSize(size int) LokiOption {
	return func(h *LokiHandler) {
		if size > 0 {
			h.sink.batchSize = size
		}
	}
}

// WithLokiClient replaces the HTTP client used for pushes.
func WithLokiClient(c *http.Client) LokiOption {
	return func(h *LokiHandler) {
		h.sink.client = c
	}
}

// NewLokiHandler creates a handler for the given push URL, for example
// "http://localhost:3100/loki/api/v1/push".
func NewLokiHandler(url string, opts ...LokiOption) *LokiHandler {
	h := &LokiHandler{
		sink: &lokiSink{
			url:       url,
			labels:    map[string]string{"job": "movebroker"},
			client:    &http.Client{Timeout: 5 * time.Second},
			batchSize: lokiBatchSize,
		},
		level: slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(h)
	}

	s := h.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(lokiFlushInterval, func() {
		_ = s.flush()
		s.mu.Lock()
		if !s.closed {
			s.timer.Reset(lokiFlushInterval)
		}
		s.mu.Unlock()
	})
	return h
}

// Enabled implements slog.Handler.
func (h *LokiHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *LokiHandler) Handle(_ context.Context, r slog.Record) error {
	line := h.format(r)

	s := h.sink
	s.mu.Lock()
	s.batch = append(s.batch, [2]string{strconv.FormatInt(r.Time.UnixNano(), 10), line})
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		go func() { _ = s.flush() }()
	}
	return nil
}

func (h *LokiHandler) format(r slog.Record) string {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time.Format(time.RFC3339Nano),
	}
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	for _, a := range h.attrs {
		data[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})
	for k, v := range data {
		if err, ok := v.(error); ok {
			data[k] = err.Error()
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"msg":%q}`, r.Level.String(), r.Message)
	}
	return string(b)
}

// WithAttrs implements slog.Handler.
func (h *LokiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	return &c
}

// WithGroup implements slog.Handler.
func (h *LokiHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &c
}

// Flush sends all buffered records.
func (h *LokiHandler) Flush() error {
	return h.sink.flush()
}

// Close stops the flush timer and sends what is left.
func (h *LokiHandler) Close() error {
	s := h.sink
	s.mu.Lock()
	s.closed = true
	s.timer.Stop()
	s.mu.Unlock()
	return s.flush()
}

func (s *lokiSink) flush() error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()

	body, err := json.Marshal(lokiPush{Streams: []lokiStream{{Stream: s.labels, Values: batch}}})
	if err != nil {
		return fmt.Errorf("failed to marshal loki push: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send logs to loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loki returned status %d", resp.StatusCode)
	}
	return nil
}
