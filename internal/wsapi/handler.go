// Package wsapi serves streaming recognition over websocket using the
// vosk-server message layout: an optional config message, binary PCM chunks
// answered with partial or final JSON, and {"eof":1} to finish.
package wsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/observe"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

const source = "websocket"

// TranscriptStore records sessions and their finalized utterances.
type TranscriptStore interface {
	BeginSession(ctx context.Context, sessionID, source string, sampleRate float64) error
	EndSession(ctx context.Context, sessionID string) error
	AppendTranscript(ctx context.Context, tr eventstore.Transcript) error
}

// Option customizes a Handler.
type Option func(*Handler)

func WithSpeaker(spk *stt.SpeakerModel) Option {
	return func(h *Handler) { h.speaker = spk }
}

func WithStore(store TranscriptStore) Option {
	return func(h *Handler) { h.store = store }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// Handler upgrades requests to websocket and runs one session per
// connection.
type Handler struct {
	cfg     config.WebSocketConfig
	stt     config.STTConfig
	model   *stt.Model
	speaker *stt.SpeakerModel
	store   TranscriptStore
	metrics *observe.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewHandler(cfg config.WebSocketConfig, sttCfg config.STTConfig, model *stt.Model, opts ...Option) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:    cfg,
		stt:    sttCfg,
		model:  model,
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With(slog.String("component", "wsapi"))
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Close ends every open connection and waits for their sessions to be
// released.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// track registers a connection unless the handler is closing.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	c := &connection{
		h:    h,
		conn: conn,
		id:   uuid.NewString(),
	}
	c.log = h.log.With(slog.String("session_id", c.id))
	c.serve(ctx)
}

// clientConfig is the optional first message. phrase_list is accepted as
// an alias of grammar.
type clientConfig struct {
	SampleRate *float64      `json:"sample_rate"`
	Grammar    []string      `json:"grammar"`
	PhraseList []string      `json:"phrase_list"`
	Words      *flexibleBool `json:"words"`
}

type clientMessage struct {
	Config *clientConfig   `json:"config"`
	EOF    json.RawMessage `json:"eof"`
}

// flexibleBool accepts true/false as well as 1/0.
type flexibleBool bool

func (b *flexibleBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if v, err := strconv.ParseBool(string(data)); err == nil {
		*b = flexibleBool(v)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("words must be a boolean or number")
	}
	*b = n != 0
	return nil
}

type connection struct {
	h    *Handler
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	cfg       *clientConfig
	sess      *stt.Session
	rate      float64
	utterance int
}

var errProtocol = errors.New("protocol violation")

func (c *connection) serve(ctx context.Context) {
	defer c.release()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				c.log.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			if c.h.ctx.Err() != nil {
				_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		}

		var reply []byte
		finished := false
		switch typ {
		case websocket.MessageBinary:
			reply, err = c.feed(data)
		case websocket.MessageText:
			reply, finished, err = c.control(data)
		}
		if err != nil {
			c.fail(ctx, err)
			return
		}
		if reply != nil {
			if err := c.conn.Write(ctx, websocket.MessageText, reply); err != nil {
				c.log.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
		if finished {
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (c *connection) control(data []byte) ([]byte, bool, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errProtocol, err)
	}
	switch {
	case msg.Config != nil:
		if c.sess != nil || c.cfg != nil {
			return nil, false, fmt.Errorf("%w: config must precede audio and be sent once", errProtocol)
		}
		c.cfg = msg.Config
		return nil, false, c.open()
	case len(msg.EOF) > 0:
		if err := c.open(); err != nil {
			return nil, false, err
		}
		res, err := c.sess.FinalResult()
		if err != nil {
			return nil, false, err
		}
		c.record(res)
		out, err := stt.EncodeFinal(res)
		return out, true, err
	default:
		return nil, false, fmt.Errorf("%w: unknown text message", errProtocol)
	}
}

func (c *connection) feed(pcm []byte) ([]byte, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	start := time.Now()
	boundary, err := c.sess.FeedPCM(pcm)
	c.h.metrics.RecordFeed(c.h.ctx, source, time.Since(start))
	if err != nil {
		return nil, err
	}
	if boundary {
		res, err := c.sess.Result()
		if err != nil {
			return nil, err
		}
		c.record(res)
		return stt.EncodeFinal(res)
	}
	p, err := c.sess.PartialResult()
	if err != nil {
		return nil, err
	}
	return stt.EncodePartial(p)
}

// open starts the session on first use. A client grammar replaces the
// server speaker model, the two cannot be combined.
func (c *connection) open() error {
	if c.sess != nil {
		return nil
	}
	rate := c.h.stt.SampleRate
	grammar := c.h.stt.Grammar
	words := c.h.stt.Words
	speaker := c.h.speaker
	if cc := c.cfg; cc != nil {
		if cc.SampleRate != nil {
			rate = *cc.SampleRate
		}
		if len(cc.Grammar) > 0 {
			grammar = cc.Grammar
			speaker = nil
		} else if len(cc.PhraseList) > 0 {
			grammar = cc.PhraseList
			speaker = nil
		}
		if cc.Words != nil {
			words = bool(*cc.Words)
		}
	}

	b := stt.NewSessionConfigBuilder().SamplingFrequency(rate).Words(words)
	if len(grammar) > 0 {
		b = b.Grammar(grammar...)
	}
	if speaker != nil {
		b = b.Speaker(speaker)
	}
	cfg, err := b.Finish()
	if err != nil {
		return err
	}
	sess, err := c.h.model.NewSession(cfg)
	if err != nil {
		return err
	}
	c.sess = sess
	c.rate = rate
	c.h.metrics.SessionOpened(c.h.ctx, source)
	if c.h.store != nil {
		if err := c.h.store.BeginSession(c.h.ctx, c.id, source, rate); err != nil {
			c.log.Warn("failed to record session", slog.String("error", err.Error()))
		}
	}
	c.log.Info("websocket session opened", slog.Float64("sample_rate", rate))
	return nil
}

func (c *connection) record(res stt.Result) {
	if res.Text == "" {
		return
	}
	c.h.metrics.RecordUtterance(c.h.ctx, source)
	if c.h.store == nil {
		c.utterance++
		return
	}
	tr := eventstore.Transcript{
		SessionID: c.id,
		Utterance: c.utterance,
		Text:      res.Text,
	}
	for _, w := range res.Words {
		tr.Words = append(tr.Words, protocol.Word{Word: w.Word, Start: w.Start, End: w.End, Confidence: w.Confidence})
	}
	if n := len(tr.Words); n > 0 {
		tr.AudioStart = tr.Words[0].Start
		tr.AudioEnd = tr.Words[n-1].End
	}
	if err := c.h.store.AppendTranscript(c.h.ctx, tr); err != nil {
		c.log.Warn("failed to record transcript", slog.String("error", err.Error()))
	}
	c.utterance++
}

// fail reports err to the client and closes the connection. Client mistakes
// close with policy violation, engine failures with internal error.
func (c *connection) fail(ctx context.Context, err error) {
	status := websocket.StatusInternalError
	if clientFault(err) {
		status = websocket.StatusPolicyViolation
	} else {
		c.h.metrics.RecordDecodeError(c.h.ctx, source)
	}
	c.log.Warn("websocket session failed", slog.String("error", err.Error()))
	if payload, mErr := json.Marshal(map[string]string{"error": err.Error()}); mErr == nil {
		_ = c.conn.Write(ctx, websocket.MessageText, payload)
	}
	_ = c.conn.Close(status, reason(err))
}

func clientFault(err error) bool {
	return errors.Is(err, errProtocol) ||
		errors.Is(err, stt.ErrInvalidAudio) ||
		errors.Is(err, stt.ErrInvalidState) ||
		stt.IsConfigError(err)
}

// maxReason keeps close reasons under the 123 byte protocol limit.
const maxReason = 120

func reason(err error) string {
	msg := err.Error()
	if len(msg) <= maxReason {
		return msg
	}
	cut := maxReason
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func (c *connection) release() {
	if c.sess == nil {
		return
	}
	_ = c.sess.Close()
	c.h.metrics.SessionClosed(c.h.ctx, source)
	if c.h.store != nil {
		if err := c.h.store.EndSession(context.Background(), c.id); err != nil {
			c.log.Warn("failed to record session end", slog.String("error", err.Error()))
		}
	}
	c.log.Info("websocket session closed", slog.Int("utterances", c.utterance))
}
