// Package router decides what a finalized transcript means: a navigation
// command or input for the form on the current page.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voicenav/internal/deferred"
	"github.com/loqalabs/loqa-voicenav/internal/features"
	"github.com/loqalabs/loqa-voicenav/internal/formfill"
	"github.com/loqalabs/loqa-voicenav/internal/language"
	"github.com/loqalabs/loqa-voicenav/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultNavigationDelay = 500 * time.Millisecond

type OutcomeKind string

const (
	OutcomeNavigate OutcomeKind = "navigate"
	OutcomeNotFound OutcomeKind = "not_found"
	OutcomeFormFill OutcomeKind = "form_fill"
	OutcomeNoMatch  OutcomeKind = "no_match"
	OutcomeIgnored  OutcomeKind = "ignored"
)

// Outcome describes what Route did with one transcript.
type Outcome struct {
	Kind     OutcomeKind
	Trigger  string
	Query    string
	Feature  features.Feature
	Fills    []formfill.Fill
	Feedback string
	Language string
}

// Matcher resolves free text to a feature.
type Matcher interface {
	Match(input string) (features.Feature, bool)
}

// FormHandler consumes transcripts for a page's form.
type FormHandler interface {
	HandleTranscript(text string) []formfill.Fill
}

// Navigator opens a route in the host application.
type Navigator func(route string)

type Option func(*Router)

func WithNavigationDelay(d time.Duration) Option {
	return func(r *Router) { r.delay = d }
}

func WithScheduler(s deferred.Scheduler) Option {
	return func(r *Router) { r.timers = deferred.NewGroup(s) }
}

func WithSpeaker(s tts.Speaker) Option {
	return func(r *Router) { r.speaker = s }
}

// WithForm routes transcripts on page to h when no trigger word matched.
func WithForm(page string, h FormHandler) Option {
	return func(r *Router) { r.forms[page] = h }
}

type Router struct {
	registry *language.Registry
	index    Matcher
	speaker  tts.Speaker
	timers   *deferred.Group
	delay    time.Duration
	log      *slog.Logger
	outcomes metric.Int64Counter

	mu        sync.RWMutex
	navigator Navigator
	forms     map[string]FormHandler
	custom    []string
	removed   map[string]struct{}
}

func New(registry *language.Registry, index Matcher, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		index:    index,
		delay:    DefaultNavigationDelay,
		log:      logger.With(slog.String("component", "router")),
		forms:    make(map[string]FormHandler),
		removed:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timers == nil {
		r.timers = deferred.NewGroup(deferred.Real{})
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voicenav/router")
	counter, err := meter.Int64Counter("voicenav.router.outcomes", metric.WithDescription("Routed transcripts by outcome"))
	if err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	r.outcomes = counter
	return r
}

// SetNavigator registers the host's navigation callback.
func (r *Router) SetNavigator(fn Navigator) {
	r.mu.Lock()
	r.navigator = fn
	r.mu.Unlock()
}

// RegisterForm binds a form handler to a page context.
func (r *Router) RegisterForm(page string, h FormHandler) {
	r.mu.Lock()
	r.forms[page] = h
	r.mu.Unlock()
}

// AddTriggerWord adds a trigger after the active profile's triggers.
func (r *Router) AddTriggerWord(word string) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.removed, word)
	for _, w := range r.custom {
		if w == word {
			return
		}
	}
	r.custom = append(r.custom, word)
}

// RemoveTriggerWord stops word from acting as a trigger, whether it came
// from the profile or from AddTriggerWord.
func (r *Router) RemoveTriggerWord(word string) {
	word = strings.ToLower(strings.TrimSpace(word))
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.custom {
		if w == word {
			r.custom = append(r.custom[:i:i], r.custom[i+1:]...)
			break
		}
	}
	r.removed[word] = struct{}{}
}

// TriggerWords lists the active triggers in match order.
func (r *Router) TriggerWords() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	seen := make(map[string]struct{})
	add := func(w string) {
		w = strings.ToLower(w)
		if _, gone := r.removed[w]; gone {
			return
		}
		if _, dup := seen[w]; dup {
			return
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	for _, w := range r.registry.TriggerWords() {
		add(w)
	}
	for _, w := range r.custom {
		add(w)
	}
	return out
}

// stripTrigger returns the first trigger text starts with and the rest of
// the text. A trigger must end at a word boundary; whitespace and
// punctuation both count, so "open, dashboard" still navigates.
func stripTrigger(text string, triggers []string) (string, string, bool) {
	for _, t := range triggers {
		if t == "" || !strings.HasPrefix(text, t) {
			continue
		}
		rest := text[len(t):]
		if rest != "" {
			if next, _ := utf8.DecodeRuneInString(rest); !isBoundary(next) {
				continue
			}
		}
		return t, strings.TrimFunc(rest, isBoundary), true
	}
	return "", "", false
}

func isBoundary(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

// Route handles one final transcript for the given page context. Trigger
// words take priority over page forms so a user can always navigate away.
func (r *Router) Route(ctx context.Context, transcript, page string) Outcome {
	lower := strings.ToLower(strings.TrimSpace(transcript))
	lang := r.registry.Code()
	if lower == "" {
		return r.record(Outcome{Kind: OutcomeIgnored, Language: lang})
	}

	if trigger, query, ok := stripTrigger(lower, r.TriggerWords()); ok {
		out := Outcome{Trigger: trigger, Query: query, Language: lang}
		if f, found := r.match(query); found {
			out.Kind = OutcomeNavigate
			out.Feature = f
			out.Feedback = r.navigate(ctx, f, lang)
			return r.record(out)
		}
		r.log.Warn("feature not found", slog.String("query", query))
		out.Kind = OutcomeNotFound
		out.Feedback = r.registry.Message(language.MsgNavFailed, nil)
		r.speak(ctx, out.Feedback, lang)
		return r.record(out)
	}

	r.mu.RLock()
	form, hasForm := r.forms[page]
	r.mu.RUnlock()
	if hasForm && form != nil {
		fills := form.HandleTranscript(transcript)
		out := Outcome{Kind: OutcomeFormFill, Fills: fills, Language: lang}
		if len(fills) > 0 {
			out.Feedback = r.registry.Message(language.MsgFormUpdated, nil)
		}
		return r.record(out)
	}

	if f, found := r.match(lower); found {
		return r.record(Outcome{
			Kind:     OutcomeNavigate,
			Query:    lower,
			Feature:  f,
			Feedback: r.navigate(ctx, f, lang),
			Language: lang,
		})
	}
	r.log.Debug("no route for transcript", slog.String("page", page))
	return r.record(Outcome{Kind: OutcomeNoMatch, Language: lang})
}

func (r *Router) match(query string) (features.Feature, bool) {
	if query == "" || r.index == nil {
		return features.Feature{}, false
	}
	return r.index.Match(query)
}

// navigate speaks the confirmation and opens the route after the delay.
func (r *Router) navigate(ctx context.Context, f features.Feature, lang string) string {
	feedback := r.registry.Message(language.MsgNavSuccess, f.Name)
	r.speak(ctx, feedback, lang)
	r.log.Info("navigating", slog.String("feature", f.Name), slog.String("route", f.Route))

	route := f.Route
	r.timers.After(r.delay, func() {
		r.mu.RLock()
		nav := r.navigator
		r.mu.RUnlock()
		if nav == nil {
			r.log.Error("navigation callback not registered, dropping navigation", slog.String("route", route))
			return
		}
		nav(route)
	})
	return feedback
}

func (r *Router) speak(ctx context.Context, text, lang string) {
	if r.speaker == nil || text == "" {
		return
	}
	r.speaker.Speak(ctx, text, lang)
}

func (r *Router) record(out Outcome) Outcome {
	if r.outcomes != nil {
		r.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(out.Kind))))
	}
	return out
}

// PendingNavigations counts navigations scheduled but not yet run.
func (r *Router) PendingNavigations() int {
	return r.timers.Pending()
}

// Close cancels navigations that have not fired yet.
func (r *Router) Close() {
	r.timers.Stop()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
