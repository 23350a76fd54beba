package protocol

import "time"

// AudioFrame carries 16-bit little-endian mono PCM streamed from a capture
// device. Sequence increases per session; Final marks the end of the stream.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Word is one recognized word with timing relative to the session start.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"conf"`
}

// Transcript is STT output broadcast on the bus.
type Transcript struct {
	SessionID     string    `json:"session_id"`
	NodeID        string    `json:"node_id,omitempty"`
	Utterance     int       `json:"utterance"`
	Text          string    `json:"text"`
	Partial       bool      `json:"partial"`
	Final         bool      `json:"final,omitempty"`
	Words         []Word    `json:"words,omitempty"`
	Speaker       []float64 `json:"speaker,omitempty"`
	SpeakerFrames int       `json:"speaker_frames,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Confidence    float64   `json:"confidence,omitempty"`
}

// SessionError reports a session that was dropped because of a failure.
type SessionError struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionError      = "stt.session.error"
)

// FrameSubject is the subject a session's audio frames are published on.
func FrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
