package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicenav/internal/bus"
	"github.com/loqalabs/loqa-voicenav/internal/config"
	"github.com/loqalabs/loqa-voicenav/internal/natsserver"
	"github.com/loqalabs/loqa-voicenav/internal/protocol"
	"github.com/loqalabs/loqa-voicenav/internal/router"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const farmManifest = `features:
  - name: Crop Recommendation
    route: /crop
  - name: Market Prices
    route: /market
  - name: Dashboard
    route: /dashboard
  - name: Settings
    route: /settings
`

func testConfig(t *testing.T, manifest string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	cfg := config.Default()
	cfg.Speech.Mode = "mock"
	cfg.TTS.Mode = "mock"
	cfg.Features.Path = path
	cfg.Router.NavigationDelayMS = 0
	return cfg
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "runtime-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newVoice(t *testing.T, cfg config.Config, client *bus.Client) *Voice {
	t.Helper()
	v, err := buildVoice(context.Background(), cfg, client, nil, newLogger())
	if err != nil {
		t.Fatalf("build voice: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestBuildVoiceIndexesManifest(t *testing.T) {
	v := newVoice(t, testConfig(t, farmManifest), nil)
	if got := len(v.Index.Features()); got != 3 {
		t.Fatalf("expected 3 features after stoplist, got %d", got)
	}
	if v.Registry.Code() != "en-IN" {
		t.Fatalf("unexpected default language %s", v.Registry.Code())
	}
	if v.Registration.Active() || v.Login.Active() {
		t.Fatalf("no form should be bound on the home page")
	}
}

func TestBuildVoiceDefaultLanguage(t *testing.T) {
	cfg := testConfig(t, farmManifest)
	cfg.Languages.Default = "hi-IN"
	v := newVoice(t, cfg, nil)
	if v.Registry.Code() != "hi-IN" || v.Session.Language() != "hi-IN" {
		t.Fatalf("expected hi-IN, registry=%s session=%s", v.Registry.Code(), v.Session.Language())
	}

	cfg.Languages.Default = "xx-XX"
	if _, err := buildVoice(context.Background(), cfg, nil, nil, newLogger()); err == nil {
		t.Fatalf("expected error for unknown default language")
	}
}

func TestBusModesRequireClient(t *testing.T) {
	cfg := testConfig(t, farmManifest)
	cfg.Speech.Mode = "bus"
	if _, err := buildVoice(context.Background(), cfg, nil, nil, newLogger()); err == nil {
		t.Fatalf("expected error for bus speech without client")
	}
}

func TestPageChangeBindsForms(t *testing.T) {
	v := newVoice(t, testConfig(t, farmManifest), nil)
	ctx := context.Background()

	if err := v.HandlePageChange(ctx, protocol.PageChange{Page: "login"}); err != nil {
		t.Fatalf("page change: %v", err)
	}
	if !v.Login.Active() || v.Registration.Active() {
		t.Fatalf("expected only login bound")
	}
	if v.Shell.Page() != "login" {
		t.Fatalf("shell page not updated")
	}

	if err := v.HandlePageChange(ctx, protocol.PageChange{Page: "registration"}); err != nil {
		t.Fatalf("page change: %v", err)
	}
	if v.Login.Active() || !v.Registration.Active() {
		t.Fatalf("expected only registration bound")
	}
}

func TestPageChangeRescan(t *testing.T) {
	cfg := testConfig(t, farmManifest)
	v := newVoice(t, cfg, nil)

	updated := farmManifest + "  - name: Weather Forecast\n    route: /weather\n"
	if err := os.WriteFile(cfg.Features.Path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	if err := v.HandlePageChange(context.Background(), protocol.PageChange{Page: "home", Rescan: true}); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if _, ok := v.Index.FeatureByRoute("/weather"); !ok {
		t.Fatalf("expected rescanned feature")
	}
}

func TestHandleCommand(t *testing.T) {
	v := newVoice(t, testConfig(t, farmManifest), nil)
	ctx := context.Background()

	if err := v.HandleCommand(ctx, protocol.VoiceCommand{Action: "start"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !v.Session.Listening() {
		t.Fatalf("expected listening")
	}
	if err := v.HandleCommand(ctx, protocol.VoiceCommand{Action: "stop"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if v.Session.Listening() {
		t.Fatalf("expected stopped")
	}
	if err := v.HandleCommand(ctx, protocol.VoiceCommand{Action: "language", Language: "mr-IN"}); err != nil {
		t.Fatalf("language: %v", err)
	}
	if v.Session.Language() != "mr-IN" {
		t.Fatalf("language not applied")
	}
	if err := v.HandleCommand(ctx, protocol.VoiceCommand{Action: "dance"}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestNavigationAndFillsArePublished(t *testing.T) {
	client := startBus(t)
	navSub, err := client.Conn().SubscribeSync(protocol.SubjectNavigate)
	if err != nil {
		t.Fatal(err)
	}
	fillSub, err := client.Conn().SubscribeSync(protocol.SubjectFormFill)
	if err != nil {
		t.Fatal(err)
	}
	v := newVoice(t, testConfig(t, farmManifest), client)
	ctx := context.Background()

	out := v.Router.Route(ctx, "go to market prices", "home")
	if out.Kind != router.OutcomeNavigate {
		t.Fatalf("expected navigate outcome, got %s", out.Kind)
	}
	msg, err := navSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected navigation message: %v", err)
	}
	var nav protocol.Navigation
	if err := json.Unmarshal(msg.Data, &nav); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if nav.Route != "/market" || nav.Feature != "Market Prices" {
		t.Fatalf("unexpected navigation: %+v", nav)
	}

	if err := v.HandlePageChange(ctx, protocol.PageChange{Page: "login"}); err != nil {
		t.Fatalf("page change: %v", err)
	}
	v.Router.Route(ctx, "email ravi@example.in", "login")
	msg, err = fillSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected fill message: %v", err)
	}
	var fill protocol.FormFill
	if err := json.Unmarshal(msg.Data, &fill); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fill.Form != "login" || fill.Field != "email" || fill.Value != "ravi@example.in" {
		t.Fatalf("unexpected fill: %+v", fill)
	}
}

func TestNavigationFeedbackIsSpokenOnBus(t *testing.T) {
	client := startBus(t)
	audioSub, err := client.Conn().SubscribeSync(protocol.AudioSubject("default"))
	if err != nil {
		t.Fatal(err)
	}
	doneSub, err := client.Conn().SubscribeSync(protocol.SubjectTTSDone)
	if err != nil {
		t.Fatal(err)
	}
	v := newVoice(t, testConfig(t, farmManifest), client)

	out := v.Router.Route(context.Background(), "open dashboard", "home")
	if out.Kind != router.OutcomeNavigate {
		t.Fatalf("expected navigate outcome, got %s", out.Kind)
	}
	msg, err := audioSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected audio chunk: %v", err)
	}
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !chunk.Final || chunk.Target != "default" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
	if _, err := doneSub.NextMsg(2 * time.Second); err != nil {
		t.Fatalf("expected done status: %v", err)
	}
}
