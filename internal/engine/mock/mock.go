// Package mock provides a deterministic decoding engine.
//
// Audio "encodes" words by amplitude: a burst of samples whose peak is
// (i+1)*Step carries vocabulary word i. Samples below Threshold are silence.
// A silence run of WordGap closes a word and a run of Endpoint closes the
// utterance, which is what AcceptWaveform reports as a boundary. Use Utter and
// Silence to build audio for a script:
//
//	eng := mock.New(mock.WithVocabulary("hello", "world"))
//	pcm := append(eng.Utter("hello", 16000, 400*time.Millisecond), mock.Silence(16000, time.Second)...)
//
// Grammar-constrained recognizers snap every decoded word to the closest
// grammar phrase, or to "[unk]" when the grammar lists it.
package mock

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/loqalabs/loqa-stt/internal/engine"
)

const (
	// Step is the amplitude distance between vocabulary words.
	Step = 1000
	// Threshold is the amplitude below which a sample counts as silence.
	Threshold = Step / 2
	// WordGap is the silence that separates two words.
	WordGap = 100 * time.Millisecond
	// Endpoint is the silence that closes an utterance.
	Endpoint = 500 * time.Millisecond

	unknownWord  = "[unk]"
	speakerDims  = 8
	maxWords     = math.MaxInt16 / Step
	snappedScore = 0.6
)

// DefaultVocabulary is used when no vocabulary option is given.
var DefaultVocabulary = []string{"hello", "world", "yes", "no", "one", "two", "three", "stop"}

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithVocabulary replaces the words the engine can decode.
func WithVocabulary(words ...string) Option {
	return func(e *Engine) {
		if len(words) > maxWords {
			words = words[:maxWords]
		}
		e.vocab = append([]string(nil), words...)
	}
}

// WithMissing makes LoadModel and LoadSpeakerModel fail for the given paths.
func WithMissing(paths ...string) Option {
	return func(e *Engine) {
		for _, p := range paths {
			e.missing[p] = struct{}{}
		}
	}
}

// Stats counts live handles and release mistakes.
type Stats struct {
	Models      int
	Speakers    int
	Recognizers int
	DoubleFrees int
	LogLevels   []int
}

// Engine is a deterministic engine.Engine. It is safe for concurrent use;
// recognizers it returns are not.
type Engine struct {
	vocab   []string
	missing map[string]struct{}

	mu    sync.Mutex
	stats Stats
}

// New creates a mock engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		vocab:   append([]string(nil), DefaultVocabulary...),
		missing: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (*Engine) Name() string { return "mock" }

// Stats returns a snapshot of handle accounting.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.LogLevels = append([]int(nil), e.stats.LogLevels...)
	return s
}

// Utter returns audio that decodes to word at the given sample rate.
func (e *Engine) Utter(word string, sampleRate int, d time.Duration) []int16 {
	amp := int16(0)
	for i, w := range e.vocab {
		if w == word {
			amp = int16((i + 1) * Step)
			break
		}
	}
	if amp == 0 {
		// Outside the vocabulary: the loudest level decodes to [unk].
		amp = math.MaxInt16
	}
	n := samplesFor(sampleRate, d)
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amp
		} else {
			out[i] = -amp
		}
	}
	return out
}

// Silence returns d of zero samples.
func Silence(sampleRate int, d time.Duration) []int16 {
	return make([]int16, samplesFor(sampleRate, d))
}

func samplesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

type handle struct {
	eng   *Engine
	kind  *int
	freed bool
	path  string
}

func (h *handle) Free() {
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	if h.freed {
		h.eng.stats.DoubleFrees++
		return
	}
	h.freed = true
	*h.kind--
}

func (e *Engine) load(path string, opts engine.LoadOptions, kind *int, what string) (*handle, error) {
	if path == "" {
		return nil, fmt.Errorf("mock: %s path is empty", what)
	}
	if _, ok := e.missing[path]; ok {
		return nil, fmt.Errorf("mock: %s %q not found", what, path)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	*kind++
	e.stats.LogLevels = append(e.stats.LogLevels, opts.LogLevel)
	return &handle{eng: e, kind: kind, path: path}, nil
}

func (e *Engine) LoadModel(path string, opts engine.LoadOptions) (engine.Model, error) {
	return e.load(path, opts, &e.stats.Models, "model")
}

func (e *Engine) LoadSpeakerModel(path string, opts engine.LoadOptions) (engine.SpeakerModel, error) {
	return e.load(path, opts, &e.stats.Speakers, "speaker model")
}

func (e *Engine) NewRecognizer(model engine.Model, sampleRate float64, opts engine.RecognizerOptions) (engine.Recognizer, error) {
	m, ok := model.(*handle)
	if !ok || m.eng != e || m.freed {
		return nil, errors.New("mock: model is not live")
	}
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("mock: unsupported sample rate %v", sampleRate)
	}
	r := &recognizer{
		eng:      e,
		rate:     sampleRate,
		wordGap:  int64(sampleRate * WordGap.Seconds()),
		endpoint: int64(sampleRate * Endpoint.Seconds()),
		words:    opts.Words,
	}
	if opts.Grammar != "" {
		var phrases []string
		if err := json.Unmarshal([]byte(opts.Grammar), &phrases); err != nil {
			return nil, fmt.Errorf("mock: malformed grammar: %w", err)
		}
		for _, p := range phrases {
			if strings.TrimSpace(p) == "" {
				return nil, errors.New("mock: malformed grammar: empty phrase")
			}
		}
		r.grammar = phrases
	}
	if opts.Speaker != nil {
		spk, ok := opts.Speaker.(*handle)
		if !ok || spk.eng != e || spk.freed {
			return nil, errors.New("mock: speaker model is not live")
		}
		r.speaker = speakerVector(spk.path)
	}

	e.mu.Lock()
	e.stats.Recognizers++
	e.mu.Unlock()
	return r, nil
}

func speakerVector(path string) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	sum := h.Sum64()
	vec := make([]float64, speakerDims)
	for i := range vec {
		vec[i] = float64((sum>>(i*8))&0xff)/127.5 - 1
	}
	return vec
}

type word struct {
	text       string
	start, end int64
	conf       float64
}

type recognizer struct {
	eng      *Engine
	rate     float64
	wordGap  int64
	endpoint int64
	words    bool
	grammar  []string
	speaker  []float64
	freed    bool

	pos     int64
	silence int64

	inBurst    bool
	burstStart int64
	burstLast  int64
	burstPeak  int

	current       []word
	speech        int64
	pending       []word
	pendingSpeech int64
}

func (r *recognizer) AcceptWaveform(samples []int16) (bool, error) {
	if r.freed {
		return false, errors.New("mock: recognizer freed")
	}
	boundary := false
	for _, s := range samples {
		amp := int(s)
		if amp < 0 {
			amp = -amp
		}
		if amp >= Threshold {
			if !r.inBurst {
				r.inBurst = true
				r.burstStart = r.pos
				r.burstPeak = 0
			}
			if amp > r.burstPeak {
				r.burstPeak = amp
			}
			r.burstLast = r.pos
			r.silence = 0
		} else {
			r.silence++
			if r.inBurst && r.silence >= r.wordGap {
				r.closeBurst()
			}
			if len(r.current) > 0 && r.silence >= r.endpoint {
				r.pending = append(r.pending, r.current...)
				r.pendingSpeech += r.speech
				r.current = nil
				r.speech = 0
				boundary = true
			}
		}
		r.pos++
	}
	return boundary, nil
}

func (r *recognizer) closeBurst() {
	r.current = append(r.current, r.decode(r.burstStart, r.burstLast+1, r.burstPeak))
	r.speech += r.burstLast + 1 - r.burstStart
	r.inBurst = false
}

func (r *recognizer) decode(start, end int64, peak int) word {
	idx := int(math.Round(float64(peak)/Step)) - 1
	text := unknownWord
	if idx >= 0 && idx < len(r.eng.vocab) {
		text = r.eng.vocab[idx]
	}
	w := word{text: text, start: start, end: end, conf: 1}
	if len(r.grammar) > 0 {
		snapped := r.snap(text)
		if snapped != text {
			w.text = snapped
			w.conf = snappedScore
		}
	}
	return w
}

func (r *recognizer) snap(text string) string {
	hasUnk := false
	for _, p := range r.grammar {
		if p == text {
			return text
		}
		if p == unknownWord {
			hasUnk = true
		}
	}
	if hasUnk {
		return unknownWord
	}
	best, bestDist := r.grammar[0], math.MaxInt
	for _, p := range r.grammar {
		if d := matchr.Levenshtein(text, p); d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}

type wireWord struct {
	Conf  float64 `json:"conf"`
	End   float64 `json:"end"`
	Start float64 `json:"start"`
	Word  string  `json:"word"`
}

type wireFinal struct {
	Result    []wireWord `json:"result,omitempty"`
	Text      string     `json:"text"`
	Spk       []float64  `json:"spk,omitempty"`
	SpkFrames int64      `json:"spk_frames,omitempty"`
}

func (r *recognizer) final(ws []word, speech int64) (string, error) {
	out := wireFinal{}
	texts := make([]string, 0, len(ws))
	for _, w := range ws {
		texts = append(texts, w.text)
		if r.words {
			for _, tok := range strings.Fields(w.text) {
				out.Result = append(out.Result, wireWord{
					Conf:  w.conf,
					Start: float64(w.start) / r.rate,
					End:   float64(w.end) / r.rate,
					Word:  tok,
				})
			}
		}
	}
	out.Text = strings.Join(texts, " ")
	if r.speaker != nil && speech > 0 {
		out.Spk = r.speaker
		out.SpkFrames = speech * 100 / int64(r.rate)
	}
	data, err := json.Marshal(out)
	return string(data), err
}

func (r *recognizer) Result() (string, error) {
	if r.freed {
		return "", errors.New("mock: recognizer freed")
	}
	ws, speech := r.pending, r.pendingSpeech
	if ws == nil {
		ws, speech = r.current, r.speech
		r.current, r.speech = nil, 0
	}
	r.pending, r.pendingSpeech = nil, 0
	return r.final(ws, speech)
}

func (r *recognizer) PartialResult() (string, error) {
	if r.freed {
		return "", errors.New("mock: recognizer freed")
	}
	texts := make([]string, 0, len(r.current)+1)
	for _, w := range r.current {
		texts = append(texts, w.text)
	}
	if r.inBurst {
		texts = append(texts, r.decode(r.burstStart, r.burstLast+1, r.burstPeak).text)
	}
	data, err := json.Marshal(struct {
		Partial string `json:"partial"`
	}{Partial: strings.Join(texts, " ")})
	return string(data), err
}

func (r *recognizer) FinalResult() (string, error) {
	if r.freed {
		return "", errors.New("mock: recognizer freed")
	}
	if r.inBurst {
		r.closeBurst()
	}
	ws := append(r.pending, r.current...)
	speech := r.pendingSpeech + r.speech
	r.pending, r.current = nil, nil
	r.pendingSpeech, r.speech = 0, 0
	r.silence = 0
	return r.final(ws, speech)
}

func (r *recognizer) Free() {
	r.eng.mu.Lock()
	defer r.eng.mu.Unlock()
	if r.freed {
		r.eng.stats.DoubleFrees++
		return
	}
	r.freed = true
	r.eng.stats.Recognizers--
}
