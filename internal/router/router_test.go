package router

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/deferred"
	"github.com/loqalabs/loqa-voicenav/internal/features"
	"github.com/loqalabs/loqa-voicenav/internal/formfill"
	"github.com/loqalabs/loqa-voicenav/internal/language"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type utterance struct{ text, lang string }

type fakeSpeaker struct {
	mu    sync.Mutex
	spoke []utterance
}

func (f *fakeSpeaker) Speak(_ context.Context, text, lang string) {
	f.mu.Lock()
	f.spoke = append(f.spoke, utterance{text, lang})
	f.mu.Unlock()
}

func (f *fakeSpeaker) Cancel() {}

type fakeForm struct {
	calls []string
}

func (f *fakeForm) HandleTranscript(text string) []formfill.Fill {
	f.calls = append(f.calls, text)
	return []formfill.Fill{{Field: formfill.FieldEmail, Value: "x@y.in"}}
}

type fixture struct {
	router   *Router
	clock    *deferred.Manual
	speaker  *fakeSpeaker
	routes   []string
	registry *language.Registry
	index    *features.Index
	login    *fakeForm
	reg      *fakeForm
}

var farmFeatures = features.StaticSource{
	{Text: "Crop Recommendation", Destination: "/crop"},
	{Text: "Disease Detection", Destination: "/disease"},
	{Text: "Market Prices", Destination: "/market"},
	{Text: "Dashboard", Destination: "/dashboard"},
}

func newFixture(t *testing.T, logger *slog.Logger) *fixture {
	t.Helper()
	registry, err := language.NewRegistry(logger, language.Builtin()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	index := features.NewIndex(logger)
	if _, err := index.Scan(context.Background(), farmFeatures); err != nil {
		t.Fatalf("scan: %v", err)
	}
	fx := &fixture{
		clock:    deferred.NewManual(),
		speaker:  &fakeSpeaker{},
		registry: registry,
		index:    index,
		login:    &fakeForm{},
		reg:      &fakeForm{},
	}
	fx.router = New(registry, index, logger,
		WithScheduler(fx.clock),
		WithSpeaker(fx.speaker),
		WithForm("login", fx.login),
		WithForm("registration", fx.reg),
	)
	fx.router.SetNavigator(func(route string) { fx.routes = append(fx.routes, route) })
	t.Cleanup(fx.router.Close)
	return fx
}

func TestEveryTriggerResolvesEveryFeature(t *testing.T) {
	fx := newFixture(t, newLogger())
	for _, profile := range fx.registry.Available() {
		if err := fx.registry.SetLanguage(profile.Code); err != nil {
			t.Fatal(err)
		}
		for _, trigger := range profile.TriggerWords {
			for _, f := range fx.index.Features() {
				out := fx.router.Route(context.Background(), trigger+" "+f.Name, "home")
				if out.Kind != OutcomeNavigate || out.Feature.Route != f.Route {
					t.Fatalf("%s: %q resolved to %+v", profile.Code, trigger+" "+f.Name, out)
				}
			}
		}
	}
}

func TestGoToCropRecommendationEndToEnd(t *testing.T) {
	fx := newFixture(t, newLogger())
	out := fx.router.Route(context.Background(), "go to crop recommendation", "home")
	if out.Kind != OutcomeNavigate || out.Trigger != "go to" || out.Query != "crop recommendation" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(fx.speaker.spoke) != 1 || fx.speaker.spoke[0].text != "Opening Crop Recommendation page." || fx.speaker.spoke[0].lang != "en-IN" {
		t.Fatalf("unexpected feedback %+v", fx.speaker.spoke)
	}
	fx.clock.Advance(499 * time.Millisecond)
	if len(fx.routes) != 0 {
		t.Fatal("navigation must wait for the delay")
	}
	fx.clock.Advance(time.Millisecond)
	if len(fx.routes) != 1 || fx.routes[0] != "/crop" {
		t.Fatalf("expected navigation to /crop, got %v", fx.routes)
	}
	if len(fx.login.calls)+len(fx.reg.calls) != 0 {
		t.Fatal("no form handler may run for a navigation command")
	}
	fx.clock.Advance(time.Second)
	if len(fx.routes) != 1 {
		t.Fatalf("navigation must happen once, got %v", fx.routes)
	}
}

func TestTriggerBeatsLoginForm(t *testing.T) {
	fx := newFixture(t, newLogger())
	out := fx.router.Route(context.Background(), "open dashboard", "login")
	if out.Kind != OutcomeNavigate || out.Feature.Route != "/dashboard" {
		t.Fatalf("expected navigation, got %+v", out)
	}
	if len(fx.login.calls) != 0 {
		t.Fatal("login extractor must not run when a trigger matched")
	}
}

func TestFormPagesReceiveUntriggeredText(t *testing.T) {
	fx := newFixture(t, newLogger())
	out := fx.router.Route(context.Background(), "My email is ravi at example dot com", "login")
	if out.Kind != OutcomeFormFill || len(out.Fills) != 1 || out.Feedback != "Form field updated!" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(fx.login.calls) != 1 || fx.login.calls[0] != "My email is ravi at example dot com" {
		t.Fatalf("expected the raw transcript, got %v", fx.login.calls)
	}
	fx.router.Route(context.Background(), "i am a farmer", "registration")
	if len(fx.reg.calls) != 1 {
		t.Fatal("expected registration handler to run")
	}
	fx.clock.Advance(time.Second)
	if len(fx.routes) != 0 {
		t.Fatal("form input must not navigate")
	}
}

func TestDirectMatchWithoutTrigger(t *testing.T) {
	fx := newFixture(t, newLogger())
	out := fx.router.Route(context.Background(), "market prices", "home")
	if out.Kind != OutcomeNavigate || out.Feature.Route != "/market" || out.Trigger != "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	fx.clock.Advance(DefaultNavigationDelay)
	if len(fx.routes) != 1 || fx.routes[0] != "/market" {
		t.Fatalf("expected /market, got %v", fx.routes)
	}
}

func TestNoMatchIsSilent(t *testing.T) {
	fx := newFixture(t, newLogger())
	out := fx.router.Route(context.Background(), "zzz qqq", "home")
	if out.Kind != OutcomeNoMatch || len(fx.speaker.spoke) != 0 {
		t.Fatalf("unexpected outcome %+v spoke=%v", out, fx.speaker.spoke)
	}
	if out := fx.router.Route(context.Background(), "   ", "home"); out.Kind != OutcomeIgnored {
		t.Fatalf("expected blank transcript ignored, got %+v", out)
	}
}

func TestUnknownFeatureSpeaksNavFailed(t *testing.T) {
	fx := newFixture(t, newLogger())
	for _, text := range []string{"open spaceship", "open"} {
		out := fx.router.Route(context.Background(), text, "login")
		if out.Kind != OutcomeNotFound {
			t.Fatalf("%q: expected not found, got %+v", text, out)
		}
	}
	if len(fx.speaker.spoke) != 2 || fx.speaker.spoke[0].text != "Feature not found. Please try again." {
		t.Fatalf("unexpected feedback %+v", fx.speaker.spoke)
	}
	if len(fx.login.calls) != 0 {
		t.Fatal("a triggered transcript must never reach the form")
	}
	fx.clock.Advance(time.Second)
	if len(fx.routes) != 0 {
		t.Fatal("not found must not navigate")
	}
}

func TestFeedbackUsesActiveLanguage(t *testing.T) {
	fx := newFixture(t, newLogger())
	if err := fx.registry.SetLanguage("mr-IN"); err != nil {
		t.Fatal(err)
	}
	out := fx.router.Route(context.Background(), "उघडा market prices", "home")
	if out.Kind != OutcomeNavigate || out.Language != "mr-IN" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := fx.speaker.spoke[0]; got.text != "Market Prices पृष्ठ उघडत आहे।" || got.lang != "mr-IN" {
		t.Fatalf("unexpected feedback %+v", got)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func TestMissingNavigatorIsLoggedAndDropped(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
	fx := newFixture(t, logger)
	fx.router.SetNavigator(nil)
	out := fx.router.Route(context.Background(), "show disease detection", "home")
	if out.Kind != OutcomeNavigate {
		t.Fatalf("unexpected outcome %+v", out)
	}
	fx.clock.Advance(time.Second)
	if !strings.Contains(buf.String(), "navigation callback not registered") {
		t.Fatalf("expected configuration error in log, got %q", buf.String())
	}
}

func TestCloseCancelsPendingNavigation(t *testing.T) {
	fx := newFixture(t, newLogger())
	fx.router.Route(context.Background(), "open market prices", "home")
	if fx.router.PendingNavigations() != 1 {
		t.Fatalf("expected one pending navigation, got %d", fx.router.PendingNavigations())
	}
	fx.router.Close()
	fx.clock.Advance(time.Second)
	if len(fx.routes) != 0 {
		t.Fatalf("closed router navigated to %v", fx.routes)
	}
}

func TestCustomTriggerWords(t *testing.T) {
	fx := newFixture(t, newLogger())
	fx.router.AddTriggerWord("Launch")
	fx.router.AddTriggerWord("launch")
	words := fx.router.TriggerWords()
	if words[len(words)-1] != "launch" || len(words) != len(fx.registry.TriggerWords())+1 {
		t.Fatalf("expected launch appended once, got %v", words)
	}
	if out := fx.router.Route(context.Background(), "launch dashboard", "login"); out.Kind != OutcomeNavigate {
		t.Fatalf("expected custom trigger to navigate, got %+v", out)
	}

	fx.router.RemoveTriggerWord("launch")
	if out := fx.router.Route(context.Background(), "launch dashboard", "login"); out.Kind != OutcomeFormFill {
		t.Fatalf("expected removed trigger to fall through to the form, got %+v", out)
	}
	fx.router.RemoveTriggerWord("open")
	if out := fx.router.Route(context.Background(), "open dashboard", "login"); out.Kind != OutcomeFormFill {
		t.Fatalf("expected removed profile trigger to fall through, got %+v", out)
	}
}

func TestTriggerNeedsWordBoundary(t *testing.T) {
	fx := newFixture(t, newLogger())
	out := fx.router.Route(context.Background(), "gopher market", "login")
	if out.Kind != OutcomeFormFill {
		t.Fatalf("a trigger inside a word must not match, got %+v", out)
	}
}

func TestTriggerFollowedByPunctuation(t *testing.T) {
	fx := newFixture(t, newLogger())
	ctx := context.Background()
	cases := []struct {
		text, trigger, query, route string
	}{
		{"open, dashboard", "open", "dashboard", "/dashboard"},
		{"Open. Dashboard", "open", "dashboard", "/dashboard"},
		{"go to, market prices", "go to", "market prices", "/market"},
		{"open dashboard.", "open", "dashboard", "/dashboard"},
	}
	for _, tc := range cases {
		out := fx.router.Route(ctx, tc.text, "login")
		if out.Kind != OutcomeNavigate {
			t.Fatalf("%q: expected navigation, got %+v", tc.text, out)
		}
		if out.Trigger != tc.trigger || out.Query != tc.query || out.Feature.Route != tc.route {
			t.Fatalf("%q: unexpected outcome %+v", tc.text, out)
		}
	}
	if len(fx.login.calls) != 0 {
		t.Fatalf("login extractor must not see trigger transcripts, got %v", fx.login.calls)
	}
}
