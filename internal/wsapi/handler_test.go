package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine/mock"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/observe"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type harness struct {
	eng     *mock.Engine
	model   *stt.Model
	store   *eventstore.Store
	handler *Handler
	url     string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := mock.New()
	model, err := stt.LoadModel(eng, "models/en")
	require.NoError(t, err)

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "stt.db"),
		RetentionMode: "session",
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	cfg := config.Default()
	opts = append([]Option{WithStore(store), WithMetrics(metrics), WithLogger(log)}, opts...)
	h := NewHandler(cfg.WebSocket, cfg.STT, model, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
		_ = model.Close()
	})
	return &harness{
		eng:     eng,
		model:   model,
		store:   store,
		handler: h,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func writeText(t *testing.T, ctx context.Context, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func writeAudio(t *testing.T, ctx context.Context, conn *websocket.Conn, samples []int16) {
	t.Helper()
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, stt.SamplesToPCM16(samples)))
}

func readReply(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestStreamPartialThenFinal(t *testing.T) {
	h := newHarness(t)
	conn, ctx := h.dial(t)

	writeText(t, ctx, conn, `{"config":{"sample_rate":8000,"words":1}}`)

	writeAudio(t, ctx, conn, h.eng.Utter("hello", 8000, 300*time.Millisecond))
	partial := readReply(t, ctx, conn)
	require.Equal(t, "hello", partial["partial"])

	writeAudio(t, ctx, conn, mock.Silence(8000, 600*time.Millisecond))
	final := readReply(t, ctx, conn)
	require.Equal(t, "hello", final["text"])
	words, ok := final["result"].([]any)
	require.True(t, ok, "expected word list in %v", final)
	require.Len(t, words, 1)

	writeAudio(t, ctx, conn, h.eng.Utter("stop", 8000, 200*time.Millisecond))
	readReply(t, ctx, conn)
	writeText(t, ctx, conn, `{"eof":1}`)
	last := readReply(t, ctx, conn)
	require.Equal(t, "stop", last["text"])

	_, _, err := conn.Read(ctx)
	require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	require.Eventually(t, func() bool { return h.model.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamGrammarFromClient(t *testing.T) {
	h := newHarness(t)
	conn, ctx := h.dial(t)

	writeText(t, ctx, conn, `{"config":{"grammar":["yes","no","[unk]"]}}`)
	writeAudio(t, ctx, conn, h.eng.Utter("hello", 16000, 200*time.Millisecond))
	readReply(t, ctx, conn)
	writeText(t, ctx, conn, `{"eof":1}`)
	final := readReply(t, ctx, conn)
	require.Equal(t, "[unk]", final["text"])
}

func TestStreamEOFWithoutAudio(t *testing.T) {
	h := newHarness(t)
	conn, ctx := h.dial(t)

	writeText(t, ctx, conn, `{"eof":1}`)
	final := readReply(t, ctx, conn)
	require.Equal(t, "", final["text"])
	_, hasWords := final["result"]
	require.False(t, hasWords)
}

func TestStreamRejectsBadConfig(t *testing.T) {
	h := newHarness(t)
	conn, ctx := h.dial(t)

	writeText(t, ctx, conn, `{"config":{"sample_rate":0}}`)
	reply := readReply(t, ctx, conn)
	require.Contains(t, reply["error"], "sampling_frequency")

	_, _, err := conn.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	require.Equal(t, 0, h.model.Sessions())
}

func TestStreamRejectsLateConfig(t *testing.T) {
	h := newHarness(t)
	conn, ctx := h.dial(t)

	writeAudio(t, ctx, conn, mock.Silence(16000, 100*time.Millisecond))
	readReply(t, ctx, conn)
	writeText(t, ctx, conn, `{"config":{"sample_rate":8000}}`)
	reply := readReply(t, ctx, conn)
	require.Contains(t, reply["error"], "config must precede audio")

	_, _, err := conn.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestStreamRejectsOddPCM(t *testing.T) {
	h := newHarness(t)
	conn, ctx := h.dial(t)

	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}))
	reply := readReply(t, ctx, conn)
	require.Contains(t, reply["error"], "not aligned")
	_, _, err := conn.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestCloseReasonKeepsRunes(t *testing.T) {
	short := errors.New("bad config")
	require.Equal(t, "bad config", reason(short))

	long := errors.New(strings.Repeat("a", maxReason-1) + "é" + strings.Repeat("b", 10))
	got := reason(long)
	require.LessOrEqual(t, len(got), maxReason)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("a", maxReason-1), got)

	require.Len(t, reason(errors.New(strings.Repeat("é", 100))), maxReason)
}

func TestServeAfterCloseIsRejected(t *testing.T) {
	h := newHarness(t)
	h.handler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type recordingStore struct {
	mu       sync.Mutex
	sessions []string
	sources  []string
	ended    []string
	texts    []string
}

func (r *recordingStore) BeginSession(_ context.Context, id, source string, _ float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, id)
	r.sources = append(r.sources, source)
	return nil
}

func (r *recordingStore) EndSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, id)
	return nil
}

func (r *recordingStore) AppendTranscript(_ context.Context, tr eventstore.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, tr.Text)
	return nil
}

func TestStreamRecordsTranscripts(t *testing.T) {
	rec := &recordingStore{}
	h := newHarness(t, WithStore(rec))
	conn, ctx := h.dial(t)

	writeAudio(t, ctx, conn, append(h.eng.Utter("yes", 16000, 200*time.Millisecond), mock.Silence(16000, 600*time.Millisecond)...))
	require.Equal(t, "yes", readReply(t, ctx, conn)["text"])
	writeAudio(t, ctx, conn, h.eng.Utter("no", 16000, 200*time.Millisecond))
	readReply(t, ctx, conn)
	writeText(t, ctx, conn, `{"eof":1}`)
	require.Equal(t, "no", readReply(t, ctx, conn)["text"])
	_, _, _ = conn.Read(ctx)

	require.Eventually(t, func() bool { return h.model.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.sessions, 1)
	_, err := uuid.Parse(rec.sessions[0])
	require.NoError(t, err)
	require.Equal(t, []string{"websocket"}, rec.sources)
	require.Equal(t, rec.sessions, rec.ended)
	require.Equal(t, []string{"yes", "no"}, rec.texts)
}

func TestCloseEndsOpenConnections(t *testing.T) {
	h := newHarness(t)
	conn, ctx := h.dial(t)

	writeAudio(t, ctx, conn, h.eng.Utter("two", 16000, 200*time.Millisecond))
	readReply(t, ctx, conn)
	require.Equal(t, 1, h.model.Sessions())

	h.handler.Close()
	require.Equal(t, 0, h.model.Sessions())
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
}
