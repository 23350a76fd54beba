package stt

import (
	"errors"
	"fmt"
)

var (
	// ErrModelLoad reports a missing, corrupt or incompatible model artifact.
	ErrModelLoad = errors.New("stt: model load failed")
	// ErrSessionCreate reports that the engine rejected session parameters.
	ErrSessionCreate = errors.New("stt: session create failed")
	// ErrInvalidState reports a call the session state machine does not allow.
	ErrInvalidState = errors.New("stt: invalid session state")
	// ErrDecodeProtocol reports engine output that does not match the result schema.
	ErrDecodeProtocol = errors.New("stt: engine result does not match schema")
	// ErrEngine reports an engine failure while consuming audio.
	ErrEngine = errors.New("stt: engine failure")
	// ErrInvalidAudio reports a PCM payload that is not whole 16-bit samples.
	ErrInvalidAudio = errors.New("stt: invalid audio")

	// ErrModelInUse is returned when closing a model that still has sessions.
	ErrModelInUse = errors.New("stt: model has live sessions")
	// ErrModelClosed is returned when using a model after Close.
	ErrModelClosed = errors.New("stt: model closed")

	// ErrInvalidSamplingFrequency rejects a non-positive sampling frequency.
	ErrInvalidSamplingFrequency = errors.New("sampling frequency must be positive")
	// ErrConflictingOptions rejects grammar and speaker model on one session.
	ErrConflictingOptions = errors.New("grammar and speaker model are mutually exclusive")
	// ErrEmptyGrammar rejects a grammar with no phrases.
	ErrEmptyGrammar = errors.New("grammar must contain at least one phrase")
)

// ConfigError is returned by SessionConfigBuilder.Finish. Err is one of the
// configuration sentinels above.
type ConfigError struct {
	Option string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("stt: invalid session config %s: %v", e.Option, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
