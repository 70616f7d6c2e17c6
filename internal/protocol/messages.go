package protocol

import "time"

// Transcript is recognizer output broadcast on the bus by an upstream STT
// service.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Language   string    `json:"language,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SpeechStatus reports the lifecycle of an upstream recognition stream.
type SpeechStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"` // start, error, end
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechControl asks the upstream recognizer to open or close a stream.
type SpeechControl struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"` // start, stop, abort
	Language  string    `json:"language,omitempty"`
	Interim   bool      `json:"interim"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSRequest asks a speech synthesizer to speak Text. A new request for the
// same target replaces any utterance still playing.
type TTSRequest struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Voice     string    `json:"voice,omitempty"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSCancel stops whatever is playing on Target.
type TTSCancel struct {
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioChunk is one piece of synthesized PCM for the player on Target.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus reports that an utterance finished.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// Navigation tells the host page router to open Route.
type Navigation struct {
	SessionID string    `json:"session_id"`
	Route     string    `json:"route"`
	Feature   string    `json:"feature,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FormFill carries one extracted field value to the host page. Password
// values are delivered but never persisted.
type FormFill struct {
	SessionID string    `json:"session_id"`
	Form      string    `json:"form"`
	Field     string    `json:"field"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// PageChange is published by the host when the active page changes.
type PageChange struct {
	Page      string    `json:"page"`
	Rescan    bool      `json:"rescan,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VoiceCommand is a user intent from the host UI: start, stop or language.
type VoiceCommand struct {
	Action    string    `json:"action"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Feedback mirrors the shell's visible feedback text.
type Feedback struct {
	Text      string    `json:"text"`
	Error     bool      `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSpeechStatus      = "stt.status"
	SubjectSpeechControl     = "stt.control"
	SubjectSpeechPrefix      = "stt"

	SubjectTTSRequest = "tts.request"
	SubjectTTSCancel  = "tts.cancel"
	SubjectTTSDone    = "tts.done"
	SubjectTTSAudio   = "tts.audio"

	SubjectNavigate     = "ui.navigate"
	SubjectFormFill     = "ui.form.fill"
	SubjectPageChange   = "ui.page"
	SubjectFeedback     = "ui.feedback"
	SubjectVoiceCommand = "voice.command"
)

// AudioSubject is where chunks for target are published.
func AudioSubject(target string) string {
	if target == "" {
		target = "default"
	}
	return SubjectTTSAudio + "." + target
}
