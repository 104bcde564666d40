package broker

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movebroker/movebroker/pkg/config"
	"github.com/movebroker/movebroker/pkg/metrics"
	"github.com/movebroker/movebroker/pkg/protocol"
	mbtest "github.com/movebroker/movebroker/pkg/testing"
)

func TestMain(m *testing.M) {
	mbtest.Main()
	metrics.Init()
	os.Exit(m.Run())
}

func startBroker(t *testing.T, f *mbtest.FakeEngine) *Broker {
	t.Helper()
	b := New(f.EngineConfig())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestBroker_Sequential(t *testing.T) {
	t.Parallel()

	b := startBroker(t, mbtest.New(t, mbtest.Echo))
	for depth := 1; depth <= 6; depth++ {
		color := protocol.White
		if depth%2 == 0 {
			color = protocol.Black
		}
		r := protocol.Request{FEN: startFEN, Color: color, Depth: depth}
		res, err := b.Evaluate(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, mbtest.EchoResult(r), res)
	}
}

func TestBroker_Concurrent(t *testing.T) {
	t.Parallel()

	for name, f := range map[string]func(*testing.T) *mbtest.FakeEngine{
		"serial": func(t *testing.T) *mbtest.FakeEngine { return mbtest.New(t, mbtest.Echo) },
		"tagged": func(t *testing.T) *mbtest.FakeEngine { return mbtest.New(t, mbtest.Echo).Tagged(4) },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := startBroker(t, f(t))
			var wg sync.WaitGroup
			for depth := 1; depth <= 24; depth++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r := req(depth)
					res, err := b.Evaluate(context.Background(), r)
					if assert.NoError(t, err) {
						assert.Equal(t, mbtest.EchoResult(r), res)
					}
				}()
			}
			wg.Wait()
		})
	}
}

func TestBroker_FixedReply(t *testing.T) {
	t.Parallel()

	b := startBroker(t, mbtest.New(t, mbtest.Fixed).WithReply("e2e4 35"))
	res, err := b.Evaluate(context.Background(), protocol.Request{FEN: startFEN, Color: protocol.White, Depth: 5})
	require.NoError(t, err)
	assert.Equal(t, protocol.Result{Move: "e2e4", Score: 35}, res)

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"move":"e2e4","evaluation":35}`, string(out))
}

func TestBroker_BannerAndDiagnostics(t *testing.T) {
	t.Parallel()

	f := mbtest.New(t, mbtest.Echo).
		WithBanner("info fake engine ready").
		WithStderr("fake engine starting").
		WithInfo()
	b := startBroker(t, f)

	res, err := b.Evaluate(context.Background(), req(7))
	require.NoError(t, err)
	assert.Equal(t, "m7w", res.Move)
}

func TestBroker_MalformedThenUnavailable(t *testing.T) {
	t.Parallel()

	b := startBroker(t, mbtest.New(t, mbtest.Garbage))

	_, err := b.Evaluate(context.Background(), req(3))
	require.ErrorIs(t, err, ErrMalformedEngineOutput)
	assert.Equal(t, CodeMalformedEngineOutput, Code(err))

	for range 3 {
		_, err = b.Evaluate(context.Background(), req(3))
		require.ErrorIs(t, err, ErrEngineUnavailable)
	}
	assert.False(t, b.Ready())
	assert.NotEmpty(t, b.Status().LastError)

	// A fresh session talks to the engine again.
	require.NoError(t, b.Restart(context.Background()))
	_, err = b.Evaluate(context.Background(), req(3))
	assert.Equal(t, CodeMalformedEngineOutput, Code(err))
}

func TestBroker_ExitBeforeReply(t *testing.T) {
	t.Parallel()

	f := mbtest.New(t, mbtest.ExitBeforeReply).WithTimeout(10 * time.Second)
	b := startBroker(t, f)

	start := time.Now()
	_, err := b.Evaluate(context.Background(), req(2))
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second, "a dead engine must not be waited out")

	_, err = b.Evaluate(context.Background(), req(2))
	require.ErrorIs(t, err, ErrEngineUnavailable)

	require.Eventually(t, func() bool { return !b.Ready() }, 2*time.Second, 10*time.Millisecond)
	st := b.Status()
	assert.False(t, st.Alive)
	assert.NotEmpty(t, st.LastError)
}

func TestBroker_TimeoutReleasesSlot(t *testing.T) {
	t.Parallel()

	f := mbtest.New(t, mbtest.SlowFirst).
		WithDelay(400 * time.Millisecond).
		WithTimeout(300 * time.Millisecond)
	b := startBroker(t, f)

	_, err := b.Evaluate(context.Background(), req(1))
	require.ErrorIs(t, err, ErrEngineTimeout)

	// The late "m1w 1" reply is owed to the abandoned call and dropped.
	res, err := b.Evaluate(context.Background(), req(2))
	require.NoError(t, err)
	assert.Equal(t, mbtest.EchoResult(req(2)), res)
}

func TestBroker_InvalidRequest(t *testing.T) {
	t.Parallel()

	b := New(mbtest.New(t, mbtest.Echo).EngineConfig())

	tests := []struct {
		name  string
		req   protocol.Request
		field string
	}{
		{"empty fen", protocol.Request{Color: protocol.White, Depth: 1}, "fen"},
		{"bad fen", protocol.Request{FEN: "not a position", Color: protocol.White, Depth: 1}, "fen"},
		{"newline", protocol.Request{FEN: startFEN + "\nquit", Color: protocol.White, Depth: 1}, "fen"},
		{"no color", protocol.Request{FEN: startFEN, Depth: 1}, "color"},
		{"zero depth", protocol.Request{FEN: startFEN, Color: protocol.Black, Depth: 0}, "depth"},
		{"too deep", protocol.Request{FEN: startFEN, Color: protocol.Black, Depth: 33}, "depth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Evaluate(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, CodeInvalidRequest, Code(err))

			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestBroker_StartMissingBinary(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultEngine()
	cfg.Path = "/nonexistent/engine"
	b := New(cfg)
	err := b.Start(context.Background())
	require.ErrorIs(t, err, ErrEngineStart)

	_, err = b.Evaluate(context.Background(), req(1))
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.ErrorIs(t, err, ErrEngineStart)
}

func TestBroker_StartTwice(t *testing.T) {
	t.Parallel()

	b := startBroker(t, mbtest.New(t, mbtest.Echo))
	assert.Error(t, b.Start(context.Background()))
}

func TestBroker_Lazy(t *testing.T) {
	t.Parallel()

	f := mbtest.New(t, mbtest.Echo).Configure(func(c *config.EngineConfig) { c.Lazy = true })
	b := startBroker(t, f)

	assert.Empty(t, b.Status().SessionID)
	assert.True(t, b.Ready())

	res, err := b.Evaluate(context.Background(), req(4))
	require.NoError(t, err)
	assert.Equal(t, "m4w", res.Move)

	st := b.Status()
	assert.NotEmpty(t, st.SessionID)
	assert.NotZero(t, st.PID)
	assert.NotNil(t, st.StartedAt)
	assert.Zero(t, st.Restarts)
}

func TestBroker_LazyStartFailure(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultEngine()
	cfg.Path = "/nonexistent/engine"
	cfg.Lazy = true
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	_, err := b.Evaluate(context.Background(), req(1))
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.ErrorIs(t, err, ErrEngineStart)
	assert.Equal(t, CodeEngineUnavailable, Code(err))
}

func TestBroker_Restart(t *testing.T) {
	t.Parallel()

	b := startBroker(t, mbtest.New(t, mbtest.Echo))
	before := b.Status()
	require.True(t, before.Alive)

	require.NoError(t, b.Restart(context.Background()))

	after := b.Status()
	assert.True(t, after.Alive)
	assert.NotEqual(t, before.SessionID, after.SessionID)
	assert.NotEqual(t, before.PID, after.PID)
	assert.Equal(t, 1, after.Restarts)
	assert.Empty(t, after.LastError)

	_, err := b.Evaluate(context.Background(), req(1))
	assert.NoError(t, err)
}

func TestBroker_AutoRestart(t *testing.T) {
	t.Parallel()

	f := mbtest.New(t, mbtest.ExitBeforeReply).Configure(func(c *config.EngineConfig) {
		c.AutoRestart = true
	})
	b := startBroker(t, f)
	first := b.Status().SessionID

	_, err := b.Evaluate(context.Background(), req(1))
	require.ErrorIs(t, err, ErrEngineUnavailable)

	require.Eventually(t, func() bool {
		st := b.Status()
		return st.Alive && st.SessionID != first
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, b.Status().Restarts, 1)
}

func TestBroker_Close(t *testing.T) {
	t.Parallel()

	b := New(mbtest.New(t, mbtest.Echo).EngineConfig())
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	_, err := b.Evaluate(context.Background(), req(1))
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, CodeEngineUnavailable, Code(err))
	assert.ErrorIs(t, b.Restart(context.Background()), ErrClosed)
	assert.ErrorIs(t, b.Start(context.Background()), ErrClosed)
	assert.False(t, b.Ready())
}

func TestBroker_OneShot(t *testing.T) {
	t.Parallel()

	t.Run("echo", func(t *testing.T) {
		t.Parallel()
		b := startBroker(t, mbtest.New(t, mbtest.OneShot).WithInfo())
		assert.True(t, b.Ready())

		r := protocol.Request{FEN: startFEN, Color: protocol.Black, Depth: 9}
		res, err := b.Evaluate(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, mbtest.EchoResult(r), res)

		st := b.Status()
		assert.Equal(t, config.ModeOneShot, st.Mode)
		assert.Empty(t, st.SessionID)
		assert.NoError(t, b.Restart(context.Background()))
	})

	t.Run("concurrent", func(t *testing.T) {
		t.Parallel()
		b := startBroker(t, mbtest.New(t, mbtest.OneShot))
		var wg sync.WaitGroup
		for depth := 1; depth <= 8; depth++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := b.Evaluate(context.Background(), req(depth))
				if assert.NoError(t, err) {
					assert.Equal(t, float64(depth), res.Score)
				}
			}()
		}
		wg.Wait()
	})

	t.Run("mate", func(t *testing.T) {
		t.Parallel()
		b := startBroker(t, mbtest.New(t, mbtest.OneShot).WithReply("Qh5 #3"))
		res, err := b.Evaluate(context.Background(), req(3))
		require.NoError(t, err)
		assert.Equal(t, protocol.Result{Move: "Qh5", Score: 3, Mate: true}, res)
	})

	t.Run("decimal evaluation", func(t *testing.T) {
		t.Parallel()
		b := startBroker(t, mbtest.New(t, mbtest.OneShot).WithReply("e7e5 0.35000000000000003"))
		res, err := b.Evaluate(context.Background(), req(3))
		require.NoError(t, err)
		assert.Equal(t, protocol.Result{Move: "e7e5", Score: 0.35000000000000003}, res)

		out, err := json.Marshal(res)
		require.NoError(t, err)
		assert.JSONEq(t, `{"move":"e7e5","evaluation":0.35000000000000003}`, string(out))
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		b := startBroker(t, mbtest.New(t, mbtest.OneShot).WithReply("garbage"))
		_, err := b.Evaluate(context.Background(), req(3))
		assert.Equal(t, CodeMalformedEngineOutput, Code(err))
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		f := mbtest.New(t, mbtest.OneShot).WithDelay(5 * time.Second).WithTimeout(100 * time.Millisecond)
		b := startBroker(t, f)
		start := time.Now()
		_, err := b.Evaluate(context.Background(), req(3))
		require.ErrorIs(t, err, ErrEngineTimeout)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("exit status", func(t *testing.T) {
		t.Parallel()
		path, err := exec.LookPath("false")
		if err != nil {
			t.Skip("no false binary")
		}
		cfg := mbtest.New(t, mbtest.OneShot).EngineConfig()
		cfg.Path = path
		b := New(cfg)
		require.NoError(t, b.Start(context.Background()))
		_, err = b.Evaluate(context.Background(), req(3))
		assert.ErrorIs(t, err, ErrEngineUnavailable)
	})

	t.Run("missing binary", func(t *testing.T) {
		t.Parallel()
		cfg := mbtest.New(t, mbtest.OneShot).EngineConfig()
		cfg.Path = "/nonexistent/engine"
		b := New(cfg)
		assert.ErrorIs(t, b.Start(context.Background()), ErrEngineStart)
		assert.False(t, b.Ready())
	})
}

func TestBroker_StatusJSON(t *testing.T) {
	t.Parallel()

	b := startBroker(t, mbtest.New(t, mbtest.Echo).Tagged(2))
	out, err := json.Marshal(b.Status())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "persistent", m["mode"])
	assert.Equal(t, true, m["tagged"])
	assert.Equal(t, true, m["alive"])
	assert.Contains(t, m, "session_id")
	assert.Contains(t, m, "pid")
	assert.NotContains(t, m, "last_error")
}
