package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/stretchr/testify/require"
)

func TestNewEngine(t *testing.T) {
	eng, err := NewEngine(config.STTConfig{Engine: "mock"})
	require.NoError(t, err)
	require.Equal(t, "mock", eng.Name())

	eng, err = NewEngine(config.STTConfig{Engine: "exec", Command: "decoder --threads 2"})
	require.NoError(t, err)
	require.Equal(t, "exec", eng.Name())

	_, err = NewEngine(config.STTConfig{Engine: "exec"})
	require.Error(t, err)

	_, err = NewEngine(config.STTConfig{Engine: "whisper"})
	require.ErrorContains(t, err, "unknown stt engine")
}

func TestNewEngineVoskWithoutCgo(t *testing.T) {
	eng, err := NewEngine(config.STTConfig{Engine: "vosk"})
	if err != nil {
		require.ErrorIs(t, err, engine.ErrUnavailable)
		return
	}
	require.Equal(t, "vosk", eng.Name())
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Node.HeartbeatInterval = 50
	cfg.Node.HeartbeatTimeout = 200
	return cfg
}

func TestRuntimeStartsAndStops(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(testConfig(t), log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	require.Eventually(t, rt.ready.Load, 10*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", rec.Body.String())
	require.True(t, rt.registry.Healthy())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}

	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRuntimeFailsOnMissingModel(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t)
	cfg.STT.Engine = "exec"
	cfg.STT.Command = "decoder"
	cfg.STT.ModelPath = t.TempDir() + "/missing"

	err := New(cfg, log).Start(context.Background())
	require.Error(t, err)
}

func TestHealthHandler(t *testing.T) {
	rt := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
