// Package shell orchestrates one voice session: it turns start and stop
// intents into session calls, routes final transcripts for the current page
// and keeps the transient feedback a host UI displays.
package shell

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/deferred"
	"github.com/loqalabs/loqa-voicenav/internal/eventstore"
	"github.com/loqalabs/loqa-voicenav/internal/formfill"
	"github.com/loqalabs/loqa-voicenav/internal/language"
	"github.com/loqalabs/loqa-voicenav/internal/protocol"
	"github.com/loqalabs/loqa-voicenav/internal/router"
	"github.com/loqalabs/loqa-voicenav/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-voicenav/shell")

const (
	DefaultCommandFeedback = 3000 * time.Millisecond
	DefaultListenFeedback  = 1500 * time.Millisecond
)

// Recorder stores interaction history. *eventstore.Store implements it.
type Recorder interface {
	BeginSession(ctx context.Context, sessionID, language, page string) error
	EndSession(ctx context.Context, sessionID string) error
	Append(ctx context.Context, in eventstore.Interaction) error
}

// Publisher mirrors feedback to the host. *bus.Client implements it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// State is what a host UI renders.
type State struct {
	Supported  bool
	Listening  bool
	Language   string
	Page       string
	Interim    string
	Transcript string
	Feedback   string
	Error      string
}

// MenuItem is one entry of the language menu.
type MenuItem struct {
	Code        string
	DisplayName string
	Active      bool
}

type Option func(*Shell)

func WithScheduler(s deferred.Scheduler) Option {
	return func(sh *Shell) { sh.timers = deferred.NewGroup(s) }
}

func WithHistory(r Recorder) Option {
	return func(sh *Shell) { sh.history = r }
}

func WithPublisher(p Publisher) Option {
	return func(sh *Shell) { sh.publisher = p }
}

// WithFeedbackDurations sets how long command and listen-completion
// feedback stay visible.
func WithFeedbackDurations(command, listen time.Duration) Option {
	return func(sh *Shell) {
		if command > 0 {
			sh.commandFeedback = command
		}
		if listen > 0 {
			sh.listenFeedback = listen
		}
	}
}

func WithPage(page string) Option {
	return func(sh *Shell) { sh.state.Page = page }
}

// Shell owns the session and the router built around it.
type Shell struct {
	session         *speech.Session
	router          *router.Router
	registry        *language.Registry
	timers          *deferred.Group
	history         Recorder
	publisher       Publisher
	log             *slog.Logger
	commandFeedback time.Duration
	listenFeedback  time.Duration
	sub             *speech.Subscription

	mu            sync.Mutex
	ctx           context.Context
	state         State
	lastRouted    string
	feedbackGen   uint64
	feedbackTimer deferred.Timer
	textGen       uint64
	textTimer     deferred.Timer
}

func New(session *speech.Session, rt *router.Router, registry *language.Registry, logger *slog.Logger, opts ...Option) *Shell {
	sh := &Shell{
		session:         session,
		router:          rt,
		registry:        registry,
		log:             logger.With(slog.String("component", "shell")),
		commandFeedback: DefaultCommandFeedback,
		listenFeedback:  DefaultListenFeedback,
		ctx:             context.Background(),
	}
	for _, opt := range opts {
		opt(sh)
	}
	if sh.timers == nil {
		sh.timers = deferred.NewGroup(deferred.Real{})
	}
	sh.state.Supported = session.Supported()
	sh.state.Language = registry.Code()
	session.SetLanguage(registry.Code())
	sh.sub = session.Subscribe(sh.handleEvent)
	return sh
}

// Start begins listening. Without a speech capability the shell enters an
// error state instead and voice input stays disabled.
func (sh *Shell) Start(ctx context.Context) error {
	if !sh.session.Supported() {
		msg := sh.registry.Message(language.MsgNotSupported, nil)
		sh.mu.Lock()
		sh.state.Supported = false
		sh.state.Error = msg
		sh.mu.Unlock()
		sh.log.Warn("voice input disabled, speech recognition not supported")
		sh.publish(msg, true)
		return nil
	}

	sh.mu.Lock()
	sh.ctx = ctx
	sh.state.Supported = true
	sh.state.Error = ""
	sh.state.Interim = ""
	sh.lastRouted = ""
	sh.mu.Unlock()

	sh.showFeedback(sh.registry.Message(language.MsgListening, nil), 0)
	return sh.session.Start(ctx)
}

// Stop ends listening gracefully; pending speech is still routed.
func (sh *Shell) Stop() error {
	err := sh.session.Stop()
	sh.showFeedback(sh.registry.Message(language.MsgListeningComplete, nil), sh.listenFeedback)
	return err
}

// Toggle starts when idle and stops when listening.
func (sh *Shell) Toggle(ctx context.Context) error {
	if sh.session.Listening() {
		return sh.Stop()
	}
	return sh.Start(ctx)
}

// SetLanguage switches the registry and the session together. An unknown
// code changes neither.
func (sh *Shell) SetLanguage(code string) error {
	if err := sh.registry.SetLanguage(code); err != nil {
		return err
	}
	sh.session.SetLanguage(code)
	sh.mu.Lock()
	sh.state.Language = code
	page := sh.state.Page
	sh.mu.Unlock()
	if id := sh.session.ID(); id != "" {
		sh.record(eventstore.Interaction{SessionID: id, Kind: eventstore.KindLanguage, Page: page, Text: code})
	}
	return nil
}

// SetPage updates the page context used for routing.
func (sh *Shell) SetPage(page string) {
	sh.mu.Lock()
	sh.state.Page = page
	sh.mu.Unlock()
	sh.log.Debug("page changed", slog.String("page", page))
}

func (sh *Shell) Page() string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state.Page
}

// LanguageMenu lists the available languages with the active one marked.
func (sh *Shell) LanguageMenu() []MenuItem {
	active := sh.registry.Code()
	profiles := sh.registry.Available()
	items := make([]MenuItem, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, MenuItem{Code: p.Code, DisplayName: p.DisplayName, Active: p.Code == active})
	}
	return items
}

func (sh *Shell) State() State {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := sh.state
	st.Listening = sh.session.Listening()
	return st
}

// Close aborts capture, cancels pending feedback clears and navigations.
func (sh *Shell) Close() error {
	sh.sub.Unsubscribe()
	err := sh.session.Abort()
	sh.timers.Stop()
	sh.router.Close()
	return err
}

func (sh *Shell) handleEvent(ev speech.Event) {
	switch ev.Kind {
	case speech.KindStart:
		sh.mu.Lock()
		lang, page := sh.state.Language, sh.state.Page
		sh.mu.Unlock()
		if sh.history != nil {
			if err := sh.history.BeginSession(sh.context(), ev.SessionID, lang, page); err != nil {
				sh.log.Warn("failed to record session start", slogError(err))
			}
		}
	case speech.KindInterim:
		sh.mu.Lock()
		sh.state.Interim = ev.Text
		sh.mu.Unlock()
	case speech.KindFinal:
		sh.route(ev)
	case speech.KindEnd:
		sh.mu.Lock()
		pending := ev.Text != "" && ev.Text != sh.lastRouted
		sh.state.Interim = ""
		sh.mu.Unlock()
		if pending {
			sh.route(ev)
		}
		if sh.history != nil {
			if err := sh.history.EndSession(sh.context(), ev.SessionID); err != nil {
				sh.log.Warn("failed to record session end", slogError(err))
			}
		}
	case speech.KindError:
		msg := sh.registry.Message(language.MsgCaptureError, ev.ErrorCode)
		sh.mu.Lock()
		sh.state.Error = msg
		page := sh.state.Page
		sh.mu.Unlock()
		sh.showFeedback(msg, sh.commandFeedback)
		sh.publish(msg, true)
		sh.record(eventstore.Interaction{SessionID: ev.SessionID, Kind: eventstore.KindError, Page: page, Text: ev.ErrorCode})
	}
}

type outcomeDetail struct {
	Kind     router.OutcomeKind `json:"kind"`
	Trigger  string             `json:"trigger,omitempty"`
	Query    string             `json:"query,omitempty"`
	Feature  string             `json:"feature,omitempty"`
	Route    string             `json:"route,omitempty"`
	Feedback string             `json:"feedback,omitempty"`
	Language string             `json:"language"`
}

type fillDetail struct {
	Form  string             `json:"form"`
	Field formfill.FieldType `json:"field"`
	Rule  string             `json:"rule"`
}

func (sh *Shell) route(ev speech.Event) {
	sh.mu.Lock()
	sh.lastRouted = ev.Text
	sh.state.Transcript = ev.Text
	sh.state.Interim = ""
	page := sh.state.Page
	ctx := sh.ctx
	sh.mu.Unlock()
	sh.scheduleTranscriptClear()

	sh.record(eventstore.Interaction{SessionID: ev.SessionID, Kind: eventstore.KindTranscript, Page: page, Text: ev.Text})

	ctx, span := tracer.Start(ctx, "shell.route", trace.WithAttributes(
		attribute.String("page", page),
		attribute.String("session_id", ev.SessionID),
	))
	defer span.End()

	out := sh.router.Route(ctx, ev.Text, page)
	span.SetAttributes(attribute.String("outcome", string(out.Kind)))
	sh.log.Info("transcript routed", slog.String("outcome", string(out.Kind)), slog.String("page", page))

	if sh.history != nil {
		detail, _ := json.Marshal(outcomeDetail{
			Kind:     out.Kind,
			Trigger:  out.Trigger,
			Query:    out.Query,
			Feature:  out.Feature.Name,
			Route:    out.Feature.Route,
			Feedback: out.Feedback,
			Language: out.Language,
		})
		sh.record(eventstore.Interaction{SessionID: ev.SessionID, Kind: eventstore.KindOutcome, Page: page, Text: ev.Text, Detail: detail})
		for _, f := range out.Fills {
			detail, _ := json.Marshal(fillDetail{Form: f.Form, Field: f.Field, Rule: f.Rule})
			sh.record(eventstore.Interaction{SessionID: ev.SessionID, Kind: eventstore.KindFill, Page: page, Text: f.Redacted(), Detail: detail})
		}
	}

	if out.Feedback != "" {
		sh.showFeedback(out.Feedback, sh.commandFeedback)
		sh.publish(out.Feedback, out.Kind == router.OutcomeNotFound)
	}
}

// showFeedback replaces the visible feedback. A positive d clears it after
// d unless newer feedback replaced it first.
func (sh *Shell) showFeedback(text string, d time.Duration) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.feedbackTimer != nil {
		sh.feedbackTimer.Stop()
		sh.feedbackTimer = nil
	}
	sh.feedbackGen++
	gen := sh.feedbackGen
	sh.state.Feedback = text
	if d <= 0 {
		return
	}
	sh.feedbackTimer = sh.timers.After(d, func() {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		if sh.feedbackGen == gen {
			sh.state.Feedback = ""
			sh.feedbackTimer = nil
		}
	})
}

func (sh *Shell) scheduleTranscriptClear() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.textTimer != nil {
		sh.textTimer.Stop()
	}
	sh.textGen++
	gen := sh.textGen
	sh.textTimer = sh.timers.After(sh.commandFeedback, func() {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		if sh.textGen == gen {
			sh.state.Transcript = ""
			sh.textTimer = nil
		}
	})
}

func (sh *Shell) context() context.Context {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.ctx
}

func (sh *Shell) record(in eventstore.Interaction) {
	if sh.history == nil || in.SessionID == "" {
		return
	}
	if err := sh.history.Append(sh.context(), in); err != nil {
		sh.log.Warn("failed to record interaction", slog.String("kind", in.Kind), slogError(err))
	}
}

func (sh *Shell) publish(text string, isError bool) {
	if sh.publisher == nil {
		return
	}
	msg := protocol.Feedback{Text: text, Error: isError, Timestamp: time.Now().UTC()}
	if err := sh.publisher.PublishJSON(protocol.SubjectFeedback, msg); err != nil {
		sh.log.Warn("failed to publish feedback", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
