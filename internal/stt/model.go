// Package stt drives streaming recognition sessions on top of a decoding
// engine.
//
// A Model is loaded once and shared by any number of sessions, each of which
// is driven by a single goroutine:
//
//	model, err := stt.LoadModel(eng, "models/en-small")
//	cfg, err := stt.NewSessionConfigBuilder().Grammar("yes", "no").Finish()
//	sess, err := model.NewSession(cfg)
//	defer sess.Close()
//	for chunk := range chunks {
//	    done, err := sess.Feed(chunk)
//	    if done {
//	        res, err := sess.Result()
//	    } else {
//	        part, err := sess.PartialResult()
//	    }
//	}
//	res, err := sess.FinalResult()
//
// Models and speaker models refuse to close while sessions derived from them
// are alive.
package stt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/engine"
)

// LoadOption configures model loading.
type LoadOption func(*loadOptions)

type loadOptions struct {
	logLevel int
	logger   *slog.Logger
}

// WithEngineLogLevel sets the engine verbosity used while loading and running
// the model. Negative values silence the engine.
func WithEngineLogLevel(level int) LoadOption {
	return func(o *loadOptions) { o.logLevel = level }
}

// WithLogger sets the logger for session lifecycle events.
func WithLogger(l *slog.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = l }
}

func applyLoadOptions(opts []LoadOption) loadOptions {
	o := loadOptions{logLevel: -1}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// resource counts the sessions borrowing a native handle and frees the
// handle once, only when no session remains.
type resource struct {
	mu     sync.Mutex
	refs   int
	closed bool
	free   func()
}

func (r *resource) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrModelClosed
	}
	r.refs++
	return nil
}

func (r *resource) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs > 0 {
		r.refs--
	}
}

func (r *resource) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.refs > 0 {
		return fmt.Errorf("%w: %d open", ErrModelInUse, r.refs)
	}
	r.closed = true
	r.free()
	return nil
}

func (r *resource) sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Model is a loaded acoustic/language model. It is immutable and safe for
// concurrent use.
type Model struct {
	eng    engine.Engine
	handle engine.Model
	path   string
	log    *slog.Logger
	res    resource
}

// LoadModel loads the model directory at path.
func LoadModel(eng engine.Engine, path string, opts ...LoadOption) (*Model, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: no engine", ErrModelLoad)
	}
	o := applyLoadOptions(opts)
	h, err := eng.LoadModel(path, engine.LoadOptions{LogLevel: o.logLevel})
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, path, err)
	}
	m := &Model{
		eng:    eng,
		handle: h,
		path:   path,
		log:    o.logger.With(slog.String("model", path)),
	}
	m.res.free = h.Free
	return m, nil
}

func (m *Model) Path() string { return m.path }

// Sessions returns the number of live sessions created from m.
func (m *Model) Sessions() int { return m.res.sessions() }

// Close frees the model. It fails with ErrModelInUse while sessions are open
// and is a no-op once the model is closed.
func (m *Model) Close() error {
	return m.res.close()
}

// NewSession creates a recognition session configured by cfg.
func (m *Model) NewSession(cfg SessionConfig) (*Session, error) {
	if !cfg.valid {
		return nil, fmt.Errorf("%w: configuration was not built with SessionConfigBuilder", ErrSessionCreate)
	}
	grammar, err := cfg.grammarJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: encode grammar: %v", ErrSessionCreate, err)
	}
	if err := m.res.acquire(); err != nil {
		return nil, err
	}

	opts := engine.RecognizerOptions{Grammar: grammar, Words: cfg.words}
	spk := cfg.speaker
	if spk != nil {
		if err := spk.res.acquire(); err != nil {
			m.res.release()
			return nil, fmt.Errorf("speaker model: %w", err)
		}
		opts.Speaker = spk.handle
	}

	rec, err := m.eng.NewRecognizer(m.handle, cfg.freq, opts)
	if err != nil {
		if spk != nil {
			spk.res.release()
		}
		m.res.release()
		return nil, fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}

	s := &Session{
		rec:     rec,
		cfg:     cfg,
		model:   m,
		speaker: spk,
		state:   StateListening,
		log:     m.log,
	}
	m.log.Debug("session created",
		slog.String("variant", cfg.Variant().String()),
		slog.Float64("sample_rate", cfg.freq))
	return s, nil
}

// SpeakerModel is a loaded speaker-identification model. It is immutable and
// safe for concurrent use.
type SpeakerModel struct {
	handle engine.SpeakerModel
	path   string
	res    resource
}

// LoadSpeakerModel loads the speaker model directory at path.
func LoadSpeakerModel(eng engine.Engine, path string, opts ...LoadOption) (*SpeakerModel, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: no engine", ErrModelLoad)
	}
	o := applyLoadOptions(opts)
	h, err := eng.LoadSpeakerModel(path, engine.LoadOptions{LogLevel: o.logLevel})
	if err != nil {
		return nil, fmt.Errorf("%w: speaker %q: %v", ErrModelLoad, path, err)
	}
	s := &SpeakerModel{handle: h, path: path}
	s.res.free = h.Free
	return s, nil
}

func (s *SpeakerModel) Path() string { return s.path }

// Sessions returns the number of live sessions using s.
func (s *SpeakerModel) Sessions() int { return s.res.sessions() }

// Close frees the speaker model, failing with ErrModelInUse while sessions
// reference it.
func (s *SpeakerModel) Close() error {
	return s.res.close()
}

// IsConfigError reports whether err came from SessionConfigBuilder.Finish.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
