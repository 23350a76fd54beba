//go:build vosk

// This file contains the Vosk engine backed by the libvosk CGO bindings. The
// shared library (libvosk.so) and vosk_api.h must be available at build time
// via LIBRARY_PATH and C_INCLUDE_PATH.

package engine

import (
	"errors"
	"fmt"

	vosk "github.com/alphacep/vosk-api/go"
)

// Compile-time assertion that Vosk satisfies Engine.
var _ Engine = (*Vosk)(nil)

// Vosk drives libvosk. libvosk keeps its log level process-wide, so the level
// passed with the most recent load wins.
type Vosk struct{}

// NewVosk returns the native Vosk engine.
func NewVosk() (*Vosk, error) {
	return &Vosk{}, nil
}

func (*Vosk) Name() string { return "vosk" }

type voskModel struct {
	m *vosk.VoskModel
}

func (v *voskModel) Free() { v.m.Free() }

type voskSpeaker struct {
	m *vosk.VoskSpkModel
}

func (v *voskSpeaker) Free() { v.m.Free() }

func (*Vosk) LoadModel(path string, opts LoadOptions) (Model, error) {
	vosk.SetLogLevel(opts.LogLevel)
	m, err := vosk.NewModel(path)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w", path, err)
	}
	return &voskModel{m: m}, nil
}

func (*Vosk) LoadSpeakerModel(path string, opts LoadOptions) (SpeakerModel, error) {
	vosk.SetLogLevel(opts.LogLevel)
	m, err := vosk.NewSpkModel(path)
	if err != nil {
		return nil, fmt.Errorf("vosk: load speaker model %q: %w", path, err)
	}
	return &voskSpeaker{m: m}, nil
}

func (*Vosk) NewRecognizer(model Model, sampleRate float64, opts RecognizerOptions) (Recognizer, error) {
	vm, ok := model.(*voskModel)
	if !ok {
		return nil, errors.New("vosk: model was not loaded by this engine")
	}

	var (
		rec *vosk.VoskRecognizer
		err error
	)
	switch {
	case opts.Speaker != nil:
		spk, ok := opts.Speaker.(*voskSpeaker)
		if !ok {
			return nil, errors.New("vosk: speaker model was not loaded by this engine")
		}
		rec, err = vosk.NewRecognizerSpk(vm.m, sampleRate, spk.m)
	case opts.Grammar != "":
		rec, err = vosk.NewRecognizerGrm(vm.m, sampleRate, opts.Grammar)
	default:
		rec, err = vosk.NewRecognizer(vm.m, sampleRate)
	}
	if err != nil {
		return nil, fmt.Errorf("vosk: create recognizer: %w", err)
	}
	if opts.Words {
		rec.SetWords(1)
	}
	return &voskRecognizer{rec: rec}, nil
}

type voskRecognizer struct {
	rec *vosk.VoskRecognizer
	buf []byte
}

func (r *voskRecognizer) AcceptWaveform(samples []int16) (bool, error) {
	r.buf = EncodePCM16(r.buf, samples)
	switch r.rec.AcceptWaveform(r.buf) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, errors.New("vosk: accept waveform failed")
	}
}

func (r *voskRecognizer) Result() (string, error)        { return r.rec.Result(), nil }
func (r *voskRecognizer) PartialResult() (string, error) { return r.rec.PartialResult(), nil }
func (r *voskRecognizer) FinalResult() (string, error)   { return r.rec.FinalResult(), nil }
func (r *voskRecognizer) Free()                          { r.rec.Free() }
