// Package engine defines the boundary to the decoding engine that turns PCM
// audio into transcript hypotheses. Implementations own native (or external)
// resources; every handle they return must be freed exactly once.
package engine

import "errors"

// ErrUnavailable is returned when an engine was not compiled into the binary.
var ErrUnavailable = errors.New("engine not available in this build")

// LoadOptions control how a model artifact is loaded.
type LoadOptions struct {
	// LogLevel is the engine verbosity. Negative values silence the engine,
	// zero is the engine default, positive values are increasingly verbose.
	LogLevel int
}

// RecognizerOptions describe the specialization of a recognizer. At most one
// of Grammar and Speaker is set; callers validate that before calling the
// engine.
type RecognizerOptions struct {
	// Grammar is a JSON array of allowed phrases, e.g. ["yes", "no"].
	Grammar string
	// Speaker attaches a speaker-identification model.
	Speaker SpeakerModel
	// Words enables per-word timing and confidence in final results.
	Words bool
}

// Model is a loaded acoustic/language model handle.
type Model interface {
	Free()
}

// SpeakerModel is a loaded speaker-identification model handle.
type SpeakerModel interface {
	Free()
}

// Recognizer is a single streaming decoding session.
type Recognizer interface {
	// AcceptWaveform consumes mono 16-bit samples and reports whether an
	// utterance boundary was reached.
	AcceptWaveform(samples []int16) (bool, error)
	// Result returns the final-result JSON of the current utterance.
	Result() (string, error)
	// PartialResult returns the partial-result JSON of the current utterance.
	PartialResult() (string, error)
	// FinalResult flushes buffered audio and returns the final-result JSON.
	FinalResult() (string, error)
	Free()
}

// Engine creates models and recognizers.
type Engine interface {
	Name() string
	LoadModel(path string, opts LoadOptions) (Model, error)
	LoadSpeakerModel(path string, opts LoadOptions) (SpeakerModel, error)
	NewRecognizer(model Model, sampleRate float64, opts RecognizerOptions) (Recognizer, error)
}
