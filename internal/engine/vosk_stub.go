//go:build !vosk

package engine

// Vosk is unavailable in builds without the vosk tag.
type Vosk struct{}

// NewVosk reports ErrUnavailable. Rebuild with -tags vosk and libvosk
// installed to enable the native engine.
func NewVosk() (*Vosk, error) {
	return nil, ErrUnavailable
}

func (*Vosk) Name() string { return "vosk" }

func (*Vosk) LoadModel(string, LoadOptions) (Model, error) { return nil, ErrUnavailable }

func (*Vosk) LoadSpeakerModel(string, LoadOptions) (SpeakerModel, error) {
	return nil, ErrUnavailable
}

func (*Vosk) NewRecognizer(Model, float64, RecognizerOptions) (Recognizer, error) {
	return nil, ErrUnavailable
}
