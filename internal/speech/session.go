// Package speech turns a continuous speech-to-text stream into typed
// transcript events.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Kind string

const (
	KindStart   Kind = "start"
	KindInterim Kind = "interim"
	KindFinal   Kind = "final"
	KindError   Kind = "error"
	KindEnd     Kind = "end"
)

// Event is one notification of the transcript stream.
type Event struct {
	Kind      Kind
	Text      string
	IsFinal   bool
	ErrorCode string
	SessionID string
}

// Listener observes transcript events. Listeners run one at a time in
// registration order and must not block.
type Listener func(Event)

type Option func(*Session)

// WithLanguage sets the language of the first stream.
func WithLanguage(code string) Option {
	return func(s *Session) { s.language = code }
}

// WithInterim enables or disables interim results.
func WithInterim(enabled bool) Option {
	return func(s *Session) { s.interim = enabled }
}

// Session owns one recognition stream at a time and fans its events out to
// listeners.
type Session struct {
	provider Provider
	log      *slog.Logger
	events   metric.Int64Counter

	mu         sync.Mutex
	language   string
	interim    bool
	listening  bool
	transcript string
	streamID   string
	gen        uint64
	listeners  []*subscription
	nextSub    uint64

	qmu      sync.Mutex
	queue    []Event
	draining bool
}

func NewSession(provider Provider, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		provider: provider,
		log:      logger.With(slog.String("component", "speech-session")),
		language: "en-IN",
		interim:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voicenav/speech")
	counter, err := meter.Int64Counter("voicenav.speech.events", metric.WithDescription("Transcript events emitted by kind"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	s.events = counter
	return s
}

// Supported reports whether the host offers speech recognition.
func (s *Session) Supported() bool {
	return s.provider != nil && s.provider.Supported()
}

// Start opens a continuous stream in the configured language. Without a
// provider capability it logs and does nothing. Starting while a stream is
// open is a no-op.
func (s *Session) Start(ctx context.Context) error {
	if !s.Supported() {
		s.log.Warn("speech recognition not supported")
		return nil
	}

	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		s.log.Debug("start ignored, already listening")
		return nil
	}
	s.gen++
	gen := s.gen
	s.transcript = ""
	s.streamID = uuid.NewString()
	cfg := StreamConfig{SessionID: s.streamID, Language: s.language, Interim: s.interim}
	s.mu.Unlock()

	if err := s.provider.Start(ctx, cfg, &streamHandler{s: s, gen: gen}); err != nil {
		return fmt.Errorf("start recognition: %w", err)
	}
	return nil
}

// Stop ends the stream gracefully; the provider flushes pending segments
// before the end event.
func (s *Session) Stop() error {
	if !s.Supported() {
		return nil
	}
	return s.provider.Stop()
}

// Abort ends the stream immediately without flushing.
func (s *Session) Abort() error {
	if !s.Supported() {
		return nil
	}
	return s.provider.Abort()
}

// SetLanguage takes effect on the next Start.
func (s *Session) SetLanguage(code string) {
	s.mu.Lock()
	s.language = code
	s.mu.Unlock()
	s.log.Info("language set", slog.String("language", code))
}

func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// Transcript is the most recent final text of the current stream.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// ID identifies the current or last stream.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// Subscription is returned by Subscribe.
type Subscription struct {
	s  *Session
	id uint64
}

type subscription struct {
	id uint64
	fn Listener
}

// Subscribe registers fn for every event.
func (s *Session) Subscribe(fn Listener) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	s.listeners = append(s.listeners, &subscription{id: s.nextSub, fn: fn})
	s.log.Debug("listener registered", slog.Int("listeners", len(s.listeners)))
	return &Subscription{s: s, id: s.nextSub}
}

// Unsubscribe removes the listener. It is safe to call more than once.
func (u *Subscription) Unsubscribe() {
	if u == nil || u.s == nil {
		return
	}
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == u.id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			break
		}
	}
	u.s = nil
}

// emit queues ev and delivers the queue unless another goroutine already is.
// Events reach listeners in the order they were emitted.
func (s *Session) emit(ev Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		s.deliver(next)
		s.qmu.Lock()
	}
	s.draining = false
	s.qmu.Unlock()
}

func (s *Session) deliver(ev Event) {
	s.mu.Lock()
	listeners := append([]*subscription(nil), s.listeners...)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	}
	s.log.Debug("notifying listeners",
		slog.String("kind", string(ev.Kind)),
		slog.Int("listeners", len(listeners)),
		slog.Bool("final", ev.IsFinal))

	for i, l := range listeners {
		s.call(i, l.fn, ev)
	}
}

func (s *Session) call(index int, fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("listener failed", slog.Int("listener", index), slog.Any("panic", r))
		}
	}()
	fn(ev)
}

// streamHandler binds provider callbacks to one Start. Callbacks from an
// older stream are ignored.
type streamHandler struct {
	s   *Session
	gen uint64
}

func (h *streamHandler) current() (string, bool) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.streamID, h.s.gen == h.gen
}

func (h *streamHandler) HandleStart() {
	s := h.s
	s.mu.Lock()
	if s.gen != h.gen {
		s.mu.Unlock()
		return
	}
	s.listening = true
	id, lang := s.streamID, s.language
	s.mu.Unlock()
	s.log.Info("listening started", slog.String("language", lang), slog.String("session_id", id))
	s.emit(Event{Kind: KindStart, SessionID: id})
}

func (h *streamHandler) HandleResult(index int, results []Result) {
	if index < 0 {
		index = 0
	}
	var final, interim strings.Builder
	for i := index; i < len(results); i++ {
		if results[i].Final {
			final.WriteString(results[i].Text)
			final.WriteByte(' ')
		} else {
			interim.WriteString(results[i].Text)
		}
	}
	finalText := strings.TrimSpace(final.String())
	interimText := strings.TrimSpace(interim.String())

	s := h.s
	s.mu.Lock()
	if s.gen != h.gen {
		s.mu.Unlock()
		return
	}
	if finalText != "" {
		s.transcript = finalText
	}
	id := s.streamID
	s.mu.Unlock()

	if finalText != "" {
		s.log.Debug("final transcript", slog.Int("chars", len(finalText)))
		s.emit(Event{Kind: KindFinal, Text: finalText, IsFinal: true, SessionID: id})
	}
	if interimText != "" {
		s.emit(Event{Kind: KindInterim, Text: interimText, SessionID: id})
	}
}

func (h *streamHandler) HandleError(code string) {
	id, ok := h.current()
	if !ok {
		return
	}
	s := h.s
	switch code {
	case ErrCodeNoSpeech:
		s.log.Warn("no speech detected, check the microphone", slog.String("code", code))
	case ErrCodeNetwork:
		s.log.Warn("network error, check connectivity", slog.String("code", code))
	case ErrCodeNotAllowed:
		s.log.Warn("microphone permission denied", slog.String("code", code))
	case ErrCodeAudioCapture:
		s.log.Warn("audio capture failed, check the microphone is connected", slog.String("code", code))
	default:
		s.log.Warn("recognition error", slog.String("code", code))
	}
	s.emit(Event{Kind: KindError, ErrorCode: code, Text: s.Transcript(), SessionID: id})
}

// HandleEnd re-emits the last final transcript so late listeners receive it.
func (h *streamHandler) HandleEnd() {
	s := h.s
	s.mu.Lock()
	if s.gen != h.gen {
		s.mu.Unlock()
		return
	}
	s.listening = false
	text, id := s.transcript, s.streamID
	s.mu.Unlock()
	s.log.Info("listening ended", slog.Bool("has_transcript", text != ""))
	s.emit(Event{Kind: KindEnd, Text: text, IsFinal: true, SessionID: id})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
