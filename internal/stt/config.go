package stt

import (
	"encoding/json"
	"math"
)

// DefaultSamplingFrequency is the sampling rate used when none is set.
const DefaultSamplingFrequency = 16000.0

// Variant is the specialization a session is built with.
type Variant int

const (
	VariantDefault Variant = iota
	VariantGrammar
	VariantSpeaker
)

func (v Variant) String() string {
	switch v {
	case VariantDefault:
		return "default"
	case VariantGrammar:
		return "grammar"
	case VariantSpeaker:
		return "speaker"
	default:
		return "unknown"
	}
}

// SessionConfig is a validated, immutable description of a session. Build
// one with NewSessionConfigBuilder; the zero value is not valid.
type SessionConfig struct {
	freq    float64
	grammar []string
	speaker *SpeakerModel
	words   bool
	valid   bool
}

// DefaultSessionConfig returns the default variant at 16 kHz with word timing.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{freq: DefaultSamplingFrequency, words: true, valid: true}
}

func (c SessionConfig) SamplingFrequency() float64 { return c.freq }

// Grammar returns a copy of the allowed phrases, nil unless VariantGrammar.
func (c SessionConfig) Grammar() []string { return append([]string(nil), c.grammar...) }

// Speaker returns the speaker model, nil unless VariantSpeaker.
func (c SessionConfig) Speaker() *SpeakerModel { return c.speaker }

// Words reports whether final results carry per-word timing.
func (c SessionConfig) Words() bool { return c.words }

func (c SessionConfig) Variant() Variant {
	switch {
	case c.grammar != nil:
		return VariantGrammar
	case c.speaker != nil:
		return VariantSpeaker
	default:
		return VariantDefault
	}
}

func (c SessionConfig) grammarJSON() (string, error) {
	if c.grammar == nil {
		return "", nil
	}
	data, err := json.Marshal(c.grammar)
	return string(data), err
}

// SessionConfigBuilder accumulates session options. Setters never fail;
// Finish validates the combination.
type SessionConfigBuilder struct {
	freq       float64
	grammar    []string
	grammarSet bool
	speaker    *SpeakerModel
	words      bool
}

func NewSessionConfigBuilder() *SessionConfigBuilder {
	return &SessionConfigBuilder{freq: DefaultSamplingFrequency, words: true}
}

func (b *SessionConfigBuilder) SamplingFrequency(freq float64) *SessionConfigBuilder {
	b.freq = freq
	return b
}

// Grammar restricts the hypothesis space to phrases. The slice is copied.
func (b *SessionConfigBuilder) Grammar(phrases ...string) *SessionConfigBuilder {
	b.grammar = append([]string(nil), phrases...)
	b.grammarSet = true
	return b
}

func (b *SessionConfigBuilder) Speaker(spk *SpeakerModel) *SessionConfigBuilder {
	b.speaker = spk
	return b
}

func (b *SessionConfigBuilder) Words(enabled bool) *SessionConfigBuilder {
	b.words = enabled
	return b
}

// Finish returns the immutable configuration or a *ConfigError.
func (b *SessionConfigBuilder) Finish() (SessionConfig, error) {
	if !(b.freq > 0) || math.IsInf(b.freq, 0) {
		return SessionConfig{}, &ConfigError{Option: "sampling_frequency", Err: ErrInvalidSamplingFrequency}
	}
	if b.grammarSet && b.speaker != nil {
		return SessionConfig{}, &ConfigError{Option: "grammar", Err: ErrConflictingOptions}
	}
	if b.grammarSet && len(b.grammar) == 0 {
		return SessionConfig{}, &ConfigError{Option: "grammar", Err: ErrEmptyGrammar}
	}
	cfg := SessionConfig{
		freq:    b.freq,
		speaker: b.speaker,
		words:   b.words,
		valid:   true,
	}
	if b.grammarSet {
		cfg.grammar = append([]string(nil), b.grammar...)
	}
	return cfg, nil
}
