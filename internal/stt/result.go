package stt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Word is one recognized word with timing in seconds from stream start.
type Word struct {
	Word       string
	Start      float64
	End        float64
	Confidence float64
}

// Result is a finalized utterance hypothesis. Words is empty for silence.
// Speaker and SpeakerFrames are set only on sessions with a speaker model.
type Result struct {
	Text          string
	Words         []Word
	Speaker       []float64
	SpeakerFrames int
}

// PartialResult is the in-progress hypothesis of the open utterance.
type PartialResult struct {
	Partial string
}

type rawWord struct {
	Conf  *float64 `json:"conf"`
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
	Word  *string  `json:"word"`
}

type rawFinal struct {
	Text      *string   `json:"text"`
	Result    []rawWord `json:"result"`
	Spk       []float64 `json:"spk"`
	SpkFrames int       `json:"spk_frames"`
}

type rawPartial struct {
	Partial *string `json:"partial"`
}

// DecodeFinal parses engine final-result JSON. A missing "result" array is an
// empty word list; a missing "text" or an incomplete word is an error.
func DecodeFinal(raw string) (Result, error) {
	var r rawFinal
	if err := unmarshalObject(raw, &r); err != nil {
		return Result{}, err
	}
	if r.Text == nil {
		return Result{}, fmt.Errorf("%w: final result has no \"text\"", ErrDecodeProtocol)
	}
	out := Result{
		Text:          *r.Text,
		Words:         make([]Word, 0, len(r.Result)),
		Speaker:       r.Spk,
		SpeakerFrames: r.SpkFrames,
	}
	for i, w := range r.Result {
		if w.Word == nil || w.Start == nil || w.End == nil || w.Conf == nil {
			return Result{}, fmt.Errorf("%w: word %d is missing a field", ErrDecodeProtocol, i)
		}
		if *w.Conf < 0 || *w.Conf > 1 {
			return Result{}, fmt.Errorf("%w: word %d confidence %v out of range", ErrDecodeProtocol, i, *w.Conf)
		}
		if *w.End < *w.Start {
			return Result{}, fmt.Errorf("%w: word %d ends before it starts", ErrDecodeProtocol, i)
		}
		out.Words = append(out.Words, Word{Word: *w.Word, Start: *w.Start, End: *w.End, Confidence: *w.Conf})
	}
	return out, nil
}

// DecodePartial parses engine partial-result JSON.
func DecodePartial(raw string) (PartialResult, error) {
	var r rawPartial
	if err := unmarshalObject(raw, &r); err != nil {
		return PartialResult{}, err
	}
	if r.Partial == nil {
		return PartialResult{}, fmt.Errorf("%w: partial result has no \"partial\"", ErrDecodeProtocol)
	}
	return PartialResult{Partial: *r.Partial}, nil
}

func unmarshalObject(raw string, v any) error {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("%w: expected a JSON object", ErrDecodeProtocol)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeProtocol, err)
	}
	return nil
}

type wireWord struct {
	Conf  float64 `json:"conf"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

type wireFinal struct {
	Text      string     `json:"text"`
	Result    []wireWord `json:"result,omitempty"`
	Spk       []float64  `json:"spk,omitempty"`
	SpkFrames int        `json:"spk_frames,omitempty"`
}

// EncodeFinal renders r in the engine final-result schema.
func EncodeFinal(r Result) ([]byte, error) {
	out := wireFinal{Text: r.Text, Spk: r.Speaker, SpkFrames: r.SpeakerFrames}
	for _, w := range r.Words {
		out.Result = append(out.Result, wireWord{Conf: w.Confidence, Start: w.Start, End: w.End, Word: w.Word})
	}
	return json.Marshal(out)
}

// EncodePartial renders p in the engine partial-result schema.
func EncodePartial(p PartialResult) ([]byte, error) {
	return json.Marshal(struct {
		Partial string `json:"partial"`
	}{Partial: p.Partial})
}
