package stt

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/engine"
)

// State is the position of a session in its lifecycle.
type State string

const (
	// StateListening accepts audio for the current utterance.
	StateListening State = "listening"
	// StateFinalized has flushed its last utterance and accepts no audio.
	StateFinalized State = "finalized"
	// StateClosed has released its engine handle.
	StateClosed State = "closed"
)

// Session is one streaming recognition session. It is not safe for
// concurrent use: a single goroutine feeds audio in temporal order and reads
// results. Close may be called in any state and releases the engine handle
// exactly once.
type Session struct {
	rec     engine.Recognizer
	cfg     SessionConfig
	model   *Model
	speaker *SpeakerModel
	log     *slog.Logger

	state    State
	final    Result
	finalErr error
	once     sync.Once
}

func (s *Session) State() State { return s.state }

func (s *Session) Config() SessionConfig { return s.cfg }

func (s *Session) invalid(op string) error {
	return fmt.Errorf("%w: %s on %s session", ErrInvalidState, op, s.state)
}

// Feed passes mono 16-bit samples at the configured rate to the engine and
// reports whether an utterance boundary was reached. After a true return,
// Result yields the closed utterance; otherwise PartialResult shows progress.
func (s *Session) Feed(samples []int16) (bool, error) {
	if s.state != StateListening {
		return false, s.invalid("feed")
	}
	done, err := s.rec.AcceptWaveform(samples)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return done, nil
}

// FeedPCM is Feed for 16-bit little-endian PCM bytes.
func (s *Session) FeedPCM(pcm []byte) (bool, error) {
	if s.state != StateListening {
		return false, s.invalid("feed")
	}
	samples, err := PCM16ToSamples(pcm)
	if err != nil {
		return false, err
	}
	return s.Feed(samples)
}

// Result returns the utterance closed by the last boundary. Called without a
// boundary it returns the engine's best guess so far.
func (s *Session) Result() (Result, error) {
	if s.state != StateListening {
		return Result{}, s.invalid("result")
	}
	raw, err := s.rec.Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return DecodeFinal(raw)
}

// PartialResult returns the in-progress hypothesis. It does not advance the
// engine, so repeated calls without Feed return the same text.
func (s *Session) PartialResult() (PartialResult, error) {
	if s.state != StateListening {
		return PartialResult{}, s.invalid("partial result")
	}
	raw, err := s.rec.PartialResult()
	if err != nil {
		return PartialResult{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return DecodePartial(raw)
}

// FinalResult flushes remaining audio as a last utterance and finalizes the
// session. Later calls return the same result, or the same error if the
// flush failed; Feed fails from then on.
func (s *Session) FinalResult() (Result, error) {
	switch s.state {
	case StateFinalized:
		return s.final, s.finalErr
	case StateClosed:
		return Result{}, s.invalid("final result")
	}
	raw, err := s.rec.FinalResult()
	s.state = StateFinalized
	if err != nil {
		s.finalErr = fmt.Errorf("%w: %v", ErrEngine, err)
		return Result{}, s.finalErr
	}
	res, err := DecodeFinal(raw)
	if err != nil {
		s.finalErr = err
		return Result{}, err
	}
	s.final = res
	s.log.Debug("session finalized", slog.Int("words", len(res.Words)))
	return res, nil
}

// Close frees the engine session and returns the model references. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.rec.Free()
		s.state = StateClosed
		if s.speaker != nil {
			s.speaker.res.release()
		}
		s.model.res.release()
		s.log.Debug("session closed")
	})
	return nil
}

// PCM16ToSamples converts 16-bit little-endian PCM to samples.
func PCM16ToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: pcm payload not aligned: %d bytes", ErrInvalidAudio, len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// SamplesToPCM16 converts samples to 16-bit little-endian PCM.
func SamplesToPCM16(samples []int16) []byte {
	return engine.EncodePCM16(nil, samples)
}
