package speech

import (
	"context"
	"errors"
	"sync"
)

// Error codes forwarded from providers.
const (
	ErrCodeNoSpeech     = "no-speech"
	ErrCodeNetwork      = "network"
	ErrCodeNotAllowed   = "not-allowed"
	ErrCodeAudioCapture = "audio-capture"
	ErrCodeAborted      = "aborted"
)

var (
	ErrNotSupported   = errors.New("speech recognition not supported")
	ErrStreamActive   = errors.New("recognition stream already active")
	ErrNoActiveStream = errors.New("no active recognition stream")
)

// Result is one recognized segment. Final segments are stable; interim
// segments may still change.
type Result struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence,omitempty"`
}

// StreamConfig configures one recognition stream.
type StreamConfig struct {
	SessionID string
	Language  string
	Interim   bool
}

// Handler receives the lifecycle of a recognition stream. Results carries
// every segment of the stream so far; index is the first segment that
// changed since the previous call.
type Handler interface {
	HandleStart()
	HandleResult(index int, results []Result)
	HandleError(code string)
	HandleEnd()
}

// Provider is a continuous speech-to-text backend.
type Provider interface {
	Supported() bool
	Start(ctx context.Context, cfg StreamConfig, h Handler) error
	// Stop ends the stream after pending segments are finalized.
	Stop() error
	// Abort ends the stream immediately, discarding pending segments.
	Abort() error
}

// MockProvider is a scripted in-process recognizer. Tests and the mock
// speech mode drive it through Interim, Final and Fail.
type MockProvider struct {
	mu          sync.Mutex
	unsupported bool
	handler     Handler
	cfg         StreamConfig
	results     []Result
	starts      int
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

// SetSupported toggles whether the provider reports a capability.
func (m *MockProvider) SetSupported(ok bool) {
	m.mu.Lock()
	m.unsupported = !ok
	m.mu.Unlock()
}

func (m *MockProvider) Supported() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unsupported
}

func (m *MockProvider) Start(_ context.Context, cfg StreamConfig, h Handler) error {
	m.mu.Lock()
	if m.unsupported {
		m.mu.Unlock()
		return ErrNotSupported
	}
	if m.handler != nil {
		m.mu.Unlock()
		return ErrStreamActive
	}
	m.handler = h
	m.cfg = cfg
	m.results = nil
	m.starts++
	m.mu.Unlock()
	h.HandleStart()
	return nil
}

// Interim replaces the trailing unstable segment with text.
func (m *MockProvider) Interim(text string) { m.push(Result{Text: text}) }

// Final commits text as a stable segment.
func (m *MockProvider) Final(text string) { m.push(Result{Text: text, Final: true, Confidence: 0.9}) }

func (m *MockProvider) push(r Result) {
	m.mu.Lock()
	h := m.handler
	if h == nil {
		m.mu.Unlock()
		return
	}
	if n := len(m.results); n > 0 && !m.results[n-1].Final {
		m.results[n-1] = r
	} else {
		m.results = append(m.results, r)
	}
	index := len(m.results) - 1
	snapshot := append([]Result(nil), m.results...)
	m.mu.Unlock()
	h.HandleResult(index, snapshot)
}

// Fail reports a capture error on the active stream.
func (m *MockProvider) Fail(code string) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.HandleError(code)
	}
}

func (m *MockProvider) Stop() error {
	m.mu.Lock()
	h := m.handler
	if h == nil {
		m.mu.Unlock()
		return nil
	}
	var flush []Result
	index := -1
	if n := len(m.results); n > 0 && !m.results[n-1].Final {
		m.results[n-1].Final = true
		index = n - 1
		flush = append([]Result(nil), m.results...)
	}
	m.handler = nil
	m.mu.Unlock()
	if index >= 0 {
		h.HandleResult(index, flush)
	}
	h.HandleEnd()
	return nil
}

func (m *MockProvider) Abort() error {
	m.mu.Lock()
	h := m.handler
	m.handler = nil
	m.results = nil
	m.mu.Unlock()
	if h != nil {
		h.HandleEnd()
	}
	return nil
}

// LastConfig returns the configuration of the most recent stream.
func (m *MockProvider) LastConfig() StreamConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Starts counts streams opened so far.
func (m *MockProvider) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Active reports whether a stream is open.
func (m *MockProvider) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}
