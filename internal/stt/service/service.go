// Package service feeds audio frames from the bus into recognition sessions
// and publishes the transcripts they produce.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/observe"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const source = "bus"

// frameBuffer bounds the frames queued for one session before the bus
// callback blocks.
const frameBuffer = 64

// TranscriptStore records sessions and their finalized utterances.
type TranscriptStore interface {
	BeginSession(ctx context.Context, sessionID, source string, sampleRate float64) error
	EndSession(ctx context.Context, sessionID string) error
	AppendTranscript(ctx context.Context, tr eventstore.Transcript) error
}

// Option customizes a Service.
type Option func(*Service)

// WithSpeaker attaches speaker identification to every session.
func WithSpeaker(spk *stt.SpeakerModel) Option {
	return func(s *Service) { s.speaker = spk }
}

// WithStore records final transcripts.
func WithStore(store TranscriptStore) Option {
	return func(s *Service) { s.store = store }
}

// WithMetrics overrides the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNodeID stamps published transcripts with the node id.
func WithNodeID(id string) Option {
	return func(s *Service) { s.nodeID = id }
}

type Service struct {
	cfg     config.STTConfig
	bus     *bus.Client
	model   *stt.Model
	speaker *stt.SpeakerModel
	store   TranscriptStore
	metrics *observe.Metrics
	tracer  trace.Tracer
	log     *slog.Logger
	nodeID  string

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, model *stt.Model, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:     cfg,
		bus:     busClient,
		model:   model,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-stt/stt"),
		log:     busClient.Logger().With(slog.String("component", "stt-service")),
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if _, err := s.sessionConfig(s.cfg.SampleRate); err != nil {
		return fmt.Errorf("stt session config: %w", err)
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.log.Info("stt service listening", slog.String("subject", subject))
	return nil
}

// Close stops intake, finalizes every live session and waits for the
// workers to exit.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// Sessions reports the number of live sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Service) sessionConfig(rate float64) (stt.SessionConfig, error) {
	b := stt.NewSessionConfigBuilder().
		SamplingFrequency(rate).
		Words(s.cfg.Words)
	if len(s.cfg.Grammar) > 0 {
		b = b.Grammar(s.cfg.Grammar...)
	}
	if s.speaker != nil {
		b = b.Speaker(s.speaker)
	}
	return b.Finish()
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		s.metrics.RecordDrop(s.ctx, "decode")
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		s.metrics.RecordDrop(s.ctx, "session_id")
		return
	}
	if frame.Channels > 1 {
		s.log.Warn("dropping multi-channel audio frame",
			slog.String("session_id", frame.SessionID),
			slog.Int("channels", frame.Channels))
		s.metrics.RecordDrop(s.ctx, "channels")
		return
	}

	w, err := s.workerFor(frame)
	if err != nil {
		s.log.Warn("cannot start stt session",
			slog.String("session_id", frame.SessionID),
			slogError(err))
		s.publishError(frame.SessionID, err)
		return
	}
	if w == nil {
		return
	}
	select {
	case w.frames <- frame:
	case <-w.done:
		s.log.Warn("dropping frame for ended session", slog.String("session_id", frame.SessionID))
		s.metrics.RecordDrop(s.ctx, "ended")
	}
}

var errSessionLimit = errors.New("max_sessions reached")

// workerFor returns the worker of frame's session, opening the session on
// its first frame.
func (s *Service) workerFor(frame protocol.AudioFrame) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil
	}
	if w, ok := s.workers[frame.SessionID]; ok {
		return w, nil
	}
	if len(s.workers) >= s.cfg.MaxSessions {
		s.metrics.SessionsRejected.Add(s.ctx, 1)
		return nil, errSessionLimit
	}

	rate := s.cfg.SampleRate
	if frame.SampleRate > 0 {
		rate = float64(frame.SampleRate)
	}
	cfg, err := s.sessionConfig(rate)
	if err != nil {
		return nil, err
	}
	sess, err := s.model.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	w := &worker{
		svc:    s,
		id:     frame.SessionID,
		sess:   sess,
		rate:   rate,
		frames: make(chan protocol.AudioFrame, frameBuffer),
		done:   make(chan struct{}),
		log:    s.log.With(slog.String("session_id", frame.SessionID)),
	}
	s.workers[frame.SessionID] = w
	s.metrics.SessionOpened(s.ctx, source)
	if s.store != nil {
		if err := s.store.BeginSession(s.ctx, w.id, source, rate); err != nil {
			w.log.Warn("failed to record session", slogError(err))
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.ctx)
	}()
	w.log.Info("stt session opened", slog.Float64("sample_rate", rate))
	return w, nil
}

// detach removes w from the session table unless frames are still queued.
func (s *Service) detach(w *worker, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force && len(w.frames) > 0 {
		return false
	}
	if s.workers[w.id] == w {
		delete(s.workers, w.id)
	}
	return true
}

func (s *Service) publishTranscript(ctx context.Context, subject string, msg protocol.Transcript) {
	msg.NodeID = s.nodeID
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	_, span := s.tracer.Start(ctx, "stt.publish",
		trace.WithAttributes(
			attribute.String("subject", subject),
			attribute.String("session_id", msg.SessionID),
		))
	defer span.End()
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) publishError(sessionID string, cause error) {
	data, err := json.Marshal(protocol.SessionError{
		SessionID: sessionID,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionError, data); err != nil {
		s.log.Warn("failed to publish session error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
